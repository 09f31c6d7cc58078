package config

import (
	"fmt"
	"regexp"
	"strings"
)

type AppServiceAPI struct {
	Matrix *Global `yaml:"-"`

	// Disable the validation of TLS certificates of appservices. This is
	// not recommended in production!
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Application services registered with this server. Registrations are
	// given inline rather than through separate registration files.
	Derived []ApplicationService `yaml:"registrations"`
}

func (c *AppServiceAPI) Defaults(opts DefaultOpts) {
}

func (c *AppServiceAPI) Verify(configErrs *ConfigErrors) {
	seen := make(map[string]struct{}, len(c.Derived))
	for i := range c.Derived {
		as := &c.Derived[i]
		prefix := fmt.Sprintf("app_service_api.registrations[%d]", i)
		checkNotEmpty(configErrs, prefix+".id", as.ID)
		checkNotEmpty(configErrs, prefix+".url", as.URL)
		checkNotEmpty(configErrs, prefix+".hs_token", as.HSToken)
		if _, ok := seen[as.ID]; ok {
			configErrs.Add(fmt.Sprintf("duplicate application service ID %q", as.ID))
		}
		seen[as.ID] = struct{}{}
		if err := as.compileNamespaces(); err != nil {
			configErrs.Add(fmt.Sprintf("%s: %s", prefix, err))
		}
	}
}

// Registration returns the application service with the given ID.
func (c *AppServiceAPI) Registration(id string) (*ApplicationService, bool) {
	for i := range c.Derived {
		if c.Derived[i].ID == id {
			return &c.Derived[i], true
		}
	}
	return nil, false
}

// ApplicationServiceNamespace is the namespace that a specific application
// service has management over.
type ApplicationServiceNamespace struct {
	// Whether or not the namespace is managed solely by this application service
	Exclusive bool `yaml:"exclusive"`
	// A regex pattern that represents the namespace
	Regex string `yaml:"regex"`
	// The ID of an existing group that all users of this application service will
	// be added to. This field is only relevant to the `users` namespace.
	GroupID string `yaml:"group_id"`
	// Regex object representing our pattern. Saves having to recompile every time
	RegexpObject *regexp.Regexp `yaml:"-"`
}

// ApplicationService represents a Matrix application service.
// https://matrix.org/docs/spec/application_service/unstable.html
type ApplicationService struct {
	// User-defined, unique, persistent ID of the application service
	ID string `yaml:"id"`
	// Base URL of the application service
	URL string `yaml:"url"`
	// Application service token provided in requests to a homeserver
	ASToken string `yaml:"as_token"`
	// Homeserver token provided in requests to an application service
	HSToken string `yaml:"hs_token"`
	// Localpart of application service user
	SenderLocalpart string `yaml:"sender_localpart"`
	// Information about an application service's namespaces. Key is either
	// "users", "aliases" or "rooms"
	NamespaceMap map[string][]ApplicationServiceNamespace `yaml:"namespaces"`
}

func (a *ApplicationService) compileNamespaces() error {
	for key, namespaces := range a.NamespaceMap {
		switch key {
		case "users", "aliases", "rooms":
		default:
			return fmt.Errorf("unknown namespace type %q", key)
		}
		for i := range namespaces {
			re, err := regexp.Compile(namespaces[i].Regex)
			if err != nil {
				return fmt.Errorf("invalid %s namespace regex %q: %w", key, namespaces[i].Regex, err)
			}
			namespaces[i].RegexpObject = re
		}
	}
	return nil
}

// IsInterestedInRoomID returns true if the application service is interested
// in the given room ID.
func (a *ApplicationService) IsInterestedInRoomID(roomID string) bool {
	return a.matches("rooms", roomID)
}

// IsInterestedInUserID returns true if the application service is interested
// in the given user ID, either through its namespace or because it is the
// application service's own sender.
func (a *ApplicationService) IsInterestedInUserID(userID string) bool {
	if a.SenderLocalpart != "" && strings.HasPrefix(userID, "@"+a.SenderLocalpart+":") {
		return true
	}
	return a.matches("users", userID)
}

func (a *ApplicationService) matches(namespace, value string) bool {
	for _, ns := range a.NamespaceMap[namespace] {
		re := ns.RegexpObject
		if re == nil {
			var err error
			if re, err = regexp.Compile(ns.Regex); err != nil {
				continue
			}
		}
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
