package server

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/acl"
)

// aclFile is the on-disk shape of an optional static ACL bootstrap
// file (SPEC_FULL.md §3: "--acl-file, read once at startup before the
// control socket exists"). It supplements, but does not replace, ACL
// entries passed positionally on the command line.
type aclFile struct {
	Entries     []string `yaml:"entries"`
	DefaultDeny bool     `yaml:"default_deny"`
}

// LoadACLFile reads a YAML ACL bootstrap file and returns its parsed
// entries plus its default-deny setting. It is read once, before New
// builds the server and before any control connection could otherwise
// race a swap — there is no live-reload of this file.
func LoadACLFile(path string) ([]acl.Entry, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errx.Wrap(ErrConfig, err)
	}

	var f aclFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, false, errx.Wrap(ErrConfig, err)
	}

	entries, err := acl.ParseEntries(f.Entries)
	if err != nil {
		return nil, false, errx.Wrap(ErrConfig, err)
	}
	return entries, f.DefaultDeny, nil
}
