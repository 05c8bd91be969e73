package scope

import (
	"errors"
	"testing"

	"github.com/cloudir/cloudir/internal/core"
)

var responderScope = core.Scope{
	AccountIDs:         []string{"123456789012", "210987654321"},
	Regions:            []string{"us-east-1", "eu-west-1"},
	Partition:          "aws",
	ProtectedInstances: []string{"i-analysis", "i-bastion"},
}

func TestCheckCaller(t *testing.T) {
	c := NewChecker(responderScope)
	tests := []struct {
		arn      string
		wantErr  bool
		outScope bool
	}{
		{"arn:aws:sts::123456789012:assumed-role/IncidentResponder/alice", false, false},
		{"arn:aws:iam::210987654321:user/oncall", false, false},
		{"arn:aws:sts::555555555555:assumed-role/IncidentResponder/alice", true, true},
		{"arn:aws-cn:iam::123456789012:user/oncall", true, true},
		{"not-an-arn", true, false},
	}
	for _, tt := range tests {
		err := c.CheckCaller(tt.arn)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckCaller(%q) = %v, wantErr %v", tt.arn, err, tt.wantErr)
			continue
		}
		if got := errors.Is(err, ErrOutOfScope); got != tt.outScope {
			t.Errorf("CheckCaller(%q): errors.Is(ErrOutOfScope) = %v, want %v", tt.arn, got, tt.outScope)
		}
	}
}

func TestCheckCallerAccountNamedInError(t *testing.T) {
	err := NewChecker(responderScope).CheckCaller("arn:aws:iam::555555555555:root")
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected *Violation, got %T", err)
	}
	if v.Field != "account" || v.Value != "555555555555" {
		t.Errorf("violation = %+v", v)
	}
}

func TestCheckOrigin(t *testing.T) {
	c := NewChecker(responderScope)
	tests := []struct {
		account, region string
		ok              bool
	}{
		{"123456789012", "us-east-1", true},
		{"123456789012", "ap-south-1", false},
		{"555555555555", "us-east-1", false},
		{"", "eu-west-1", true},
		{"210987654321", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		err := c.CheckOrigin(tt.account, tt.region)
		if (err == nil) != tt.ok {
			t.Errorf("CheckOrigin(%q, %q) = %v, want ok=%v", tt.account, tt.region, err, tt.ok)
		}
	}
}

func TestCheckRegion(t *testing.T) {
	c := NewChecker(responderScope)
	if err := c.CheckRegion("eu-west-1"); err != nil {
		t.Errorf("allowed region refused: %v", err)
	}
	if err := c.CheckRegion("us-west-2"); !errors.Is(err, ErrOutOfScope) {
		t.Errorf("CheckRegion(us-west-2) = %v, want out of scope", err)
	}
}

func TestEmptyAllowlistsAllowEverything(t *testing.T) {
	c := NewChecker(core.Scope{})
	if err := c.CheckCaller("arn:aws-us-gov:iam::999999999999:user/x"); err != nil {
		t.Errorf("CheckCaller: %v", err)
	}
	if err := c.CheckOrigin("999999999999", "sa-east-1"); err != nil {
		t.Errorf("CheckOrigin: %v", err)
	}
	if err := c.CheckContainable("i-analysis"); err != nil {
		t.Errorf("CheckContainable: %v", err)
	}
}

func TestCheckContainable(t *testing.T) {
	c := NewChecker(responderScope)
	for _, id := range []string{"i-analysis", "i-bastion"} {
		err := c.CheckContainable(id)
		if !errors.Is(err, ErrOutOfScope) {
			t.Errorf("CheckContainable(%s) = %v, want out of scope", id, err)
		}
	}
	if err := c.CheckContainable("i-0suspect"); err != nil {
		t.Errorf("CheckContainable(i-0suspect) = %v", err)
	}
}
