package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// PolicyBundle is a YAML file of approval policies:
//
//	version: "1"
//	policies:
//	  - name: freeze needs two admins
//	    priority: 10
//	    enabled: true
//	    criteria: {action_types: ["freeze_*"]}
//	    policy: {quorum: {type: role, role: pay_admin, min_votes: 2}, ratio: 1}
//
// An empty version means the current format. Bundles written for a newer
// major format are refused.
type PolicyBundle struct {
	Version  string                     `yaml:"version"`
	Policies []contracts.ApprovalPolicy `yaml:"policies"`
}

// supportedBundleVersions is the range of bundle formats this build reads.
var supportedBundleVersions = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	sc, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return sc
}

// ParsePolicyBundle decodes a bundle. Unknown keys are errors so that a
// misspelled field never silently loosens a policy.
func ParsePolicyBundle(data []byte) (*PolicyBundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var b PolicyBundle
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return &b, nil
		}
		return nil, err
	}
	if b.Version != "" {
		v, err := semver.NewVersion(b.Version)
		if err != nil {
			return nil, fmt.Errorf("bundle version %q: %w", b.Version, err)
		}
		if !supportedBundleVersions.Check(v) {
			return nil, fmt.Errorf("bundle version %s is not supported (want %s)", v, supportedBundleVersions)
		}
	}
	seen := make(map[string]bool, len(b.Policies))
	for i, p := range b.Policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("policy %d has no name", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("policy %q appears twice", name)
		}
		seen[name] = true
		b.Policies[i].Name = name
	}
	return &b, nil
}

// LoadPolicyBundle reads one bundle file.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy bundle: %w", err)
	}
	b, err := ParsePolicyBundle(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

// LoadPolicies reads path, which is a bundle file or a directory of
// *.yaml bundles merged in file name order.
func LoadPolicies(path string) ([]contracts.ApprovalPolicy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	if !info.IsDir() {
		b, err := LoadPolicyBundle(path)
		if err != nil {
			return nil, err
		}
		return b.Policies, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []contracts.ApprovalPolicy
	origin := map[string]string{}
	for _, file := range matches {
		b, err := LoadPolicyBundle(file)
		if err != nil {
			return nil, err
		}
		for _, p := range b.Policies {
			if prev, ok := origin[p.Name]; ok {
				return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, file)
			}
			origin[p.Name] = file
			out = append(out, p)
		}
	}
	return out, nil
}
