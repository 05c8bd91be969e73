// Package scope keeps cloudir inside the accounts, regions and instances it
// was configured for. Every check runs before the first mutating call.
package scope

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/cloudir/cloudir/internal/core"
)

// ErrOutOfScope matches every *Violation.
var ErrOutOfScope = errors.New("out of scope")

// Violation names the value that fell outside the configured scope.
type Violation struct {
	Field   string // account, region, partition or instance
	Value   string
	Allowed []string
}

func (v *Violation) Error() string {
	if v.Field == "instance" {
		return fmt.Sprintf("out of scope: instance %s is protected from containment", v.Value)
	}
	return fmt.Sprintf("out of scope: %s %q not in [%s]", v.Field, v.Value, strings.Join(v.Allowed, ", "))
}

func (v *Violation) Is(target error) bool { return target == ErrOutOfScope }

// Checker evaluates values against a core.Scope. Empty allowlists allow
// everything.
type Checker struct {
	scope core.Scope
}

// NewChecker creates a scope checker.
func NewChecker(scope core.Scope) *Checker {
	return &Checker{scope: scope}
}

func allowed(field, value string, list []string) error {
	if len(list) == 0 || slices.Contains(list, value) {
		return nil
	}
	return &Violation{Field: field, Value: value, Allowed: list}
}

// CheckRegion verifies the region the clients were built for.
func (c *Checker) CheckRegion(region string) error {
	return allowed("region", region, c.scope.Regions)
}

// CheckCaller verifies the principal the credentials resolve to, as returned
// by sts:GetCallerIdentity. Its partition and account must both be allowed.
func (c *Checker) CheckCaller(principalARN string) error {
	a, err := arn.Parse(principalARN)
	if err != nil {
		return fmt.Errorf("caller identity: %w", err)
	}
	if c.scope.Partition != "" {
		if err := allowed("partition", a.Partition, []string{c.scope.Partition}); err != nil {
			return err
		}
	}
	return allowed("account", a.AccountID, c.scope.AccountIDs)
}

// CheckOrigin verifies the account and region a detection was raised in.
// Values the event does not carry are not judged.
func (c *Checker) CheckOrigin(account, region string) error {
	if account != "" {
		if err := allowed("account", account, c.scope.AccountIDs); err != nil {
			return err
		}
	}
	if region != "" {
		return c.CheckRegion(region)
	}
	return nil
}

// CheckContainable refuses protected instances, such as the analysis host.
func (c *Checker) CheckContainable(instanceID string) error {
	if slices.Contains(c.scope.ProtectedInstances, instanceID) {
		return &Violation{Field: "instance", Value: instanceID}
	}
	return nil
}
