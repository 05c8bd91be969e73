package forensics

import (
	"bytes"
	"path"
)

// Artifact is one file collected from a mounted forensic volume.
type Artifact struct {
	// Name is the output file name, shared by extraction and upload.
	Name string `json:"name"`
	// Source describes what is read, relative to the volume root.
	Source string `json:"source"`

	produce func(mount string) string
}

// Producer returns the shell command that writes the artifact to stdout
// when the volume is mounted at mount.
func (a Artifact) Producer(mount string) string {
	return a.produce(mount)
}

// ArtifactSet is an ordered list of artifacts. Extraction and upload both
// iterate the same set, so their file names cannot drift apart.
type ArtifactSet []Artifact

// Names returns the output file names in order.
func (s ArtifactSet) Names() []string {
	names := make([]string, len(s))
	for i, a := range s {
		names[i] = a.Name
	}
	return names
}

func catFile(rel string) func(string) string {
	return func(mount string) string {
		return "cat " + shellQuote(path.Join(mount, rel))
	}
}

func findAndCat(name string, rels ...string) func(string) string {
	return func(mount string) string {
		cmd := "find"
		for _, rel := range rels {
			cmd += " " + shellQuote(path.Join(mount, rel))
		}
		return cmd + " -name " + shellQuote(name) + " -type f -exec cat '{}' +"
	}
}

func listTree(rel string) func(string) string {
	return func(mount string) string {
		return "ls -alhR " + shellQuote(path.Join(mount, rel))
	}
}

func hashDir(rel string) func(string) string {
	return func(mount string) string {
		return "sha256sum " + shellQuote(path.Join(mount, rel)) + "/*"
	}
}

// DefaultArtifacts returns the standard triage set: logs, account databases,
// shell histories, authorized keys, temp-directory listings, binary hashes
// and network identity files.
func DefaultArtifacts() ArtifactSet {
	return ArtifactSet{
		{Name: "syslog_copy.txt", Source: "var/log/syslog", produce: catFile("var/log/syslog")},
		{Name: "messages_copy.txt", Source: "var/log/messages", produce: catFile("var/log/messages")},
		{Name: "passwd_copy.txt", Source: "etc/passwd", produce: catFile("etc/passwd")},
		{Name: "shadow_copy.txt", Source: "etc/shadow", produce: catFile("etc/shadow")},
		{Name: "group_copy.txt", Source: "etc/group", produce: catFile("etc/group")},
		{Name: "root_bash_history.txt", Source: "root/.bash_history", produce: catFile("root/.bash_history")},
		{Name: "user_bash_histories.txt", Source: "home/*/.bash_history", produce: findAndCat(".bash_history", "home")},
		{Name: "ssh_keys.txt", Source: "home/*/.ssh/authorized_keys, root/.ssh/authorized_keys", produce: findAndCat("authorized_keys", "home", "root")},
		{Name: "tmp_dir_listing.txt", Source: "tmp", produce: listTree("tmp")},
		{Name: "var_tmp_dir_listing.txt", Source: "var/tmp", produce: listTree("var/tmp")},
		{Name: "bin_hashes.txt", Source: "bin/*", produce: hashDir("bin")},
		{Name: "usr_bin_hashes.txt", Source: "usr/bin/*", produce: hashDir("usr/bin")},
		{Name: "hosts.txt", Source: "etc/hosts", produce: catFile("etc/hosts")},
		{Name: "resolv_conf.txt", Source: "etc/resolv.conf", produce: catFile("etc/resolv.conf")},
		{Name: "hostname.txt", Source: "etc/hostname", produce: catFile("etc/hostname")},
	}
}

const placeholderPrefix = "cloudir: artifact "

// Placeholder is the content written in place of an absent or empty artifact.
func Placeholder(name string) string {
	return placeholderPrefix + name + " absent"
}

// IsPlaceholder reports whether content is a placeholder rather than
// collected data.
func IsPlaceholder(content []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(content), []byte(placeholderPrefix))
}
