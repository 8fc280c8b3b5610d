// profile.go
// Read-only view of the ambient credential store directory shared with the
// platform CLI (~/.azure). Writing any of these files is out of scope.

package aztok

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/git719/utl"
)

const (
	ConstProfileFile = "azureProfile.json"
	ConstSessionFile = "az.sess"
	ConstConfigFile  = "config"
)

// AmbientProfile is the CLI's view of who is logged in and what they can see.
type AmbientProfile struct {
	Subscriptions []ProfileSubscription `json:"subscriptions"`

	// Session and Config are carried opaquely; this package only needs the
	// subscriptions list but reads all three files in one shot so callers
	// observe a consistent snapshot.
	Session map[string]interface{} `json:"-"`
	Config  string                 `json:"-"`
}

type ProfileSubscription struct {
	Id        string      `json:"id"`
	Name      string      `json:"name"`
	TenantId  string      `json:"tenantId"`
	IsDefault bool        `json:"isDefault"`
	User      ProfileUser `json:"user"`
}

type ProfileUser struct {
	Name string `json:"name"`
	Type string `json:"type"` // "user" or "servicePrincipal"
}

// DefaultAmbientProfileDir returns the CLI's config directory.
func DefaultAmbientProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".azure")
}

// ReadAmbientProfile reads the profile, session, and configuration files,
// each as a single whole-file read. A missing or unreadable directory yields
// (nil, nil): no ambient profile, not an error.
func ReadAmbientProfile(dir string) (*AmbientProfile, error) {
	const op = "aztok.ReadAmbientProfile"
	if dir == "" {
		dir = DefaultAmbientProfileDir()
	}
	profilePath := filepath.Join(dir, ConstProfileFile)
	if !utl.FileUsable(profilePath) {
		return nil, nil
	}
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, nil
	}
	// The CLI writes the profile with a UTF-8 BOM
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var p AmbientProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errKind(KindUnknown, op, err)
	}

	if sessRaw, err := utl.LoadFileJson(filepath.Join(dir, ConstSessionFile)); err == nil {
		if sess, ok := sessRaw.(map[string]interface{}); ok {
			p.Session = sess
		}
	}
	if cfg, err := os.ReadFile(filepath.Join(dir, ConstConfigFile)); err == nil {
		p.Config = string(cfg)
	}
	return &p, nil
}

// DefaultUser returns the signed-in user entry the profile marks as default,
// skipping service-principal entries; those follow an entirely different
// login path and are never used for interactive fallback.
func (p *AmbientProfile) DefaultUser() (upn, tenant string) {
	if p == nil {
		return "", ""
	}
	var first *ProfileSubscription
	for i := range p.Subscriptions {
		s := &p.Subscriptions[i]
		if s.User.Type != "user" {
			continue
		}
		if first == nil {
			first = s
		}
		if s.IsDefault {
			return s.User.Name, s.TenantId
		}
	}
	if first != nil {
		return first.User.Name, first.TenantId
	}
	return "", ""
}
