// Package kafka holds the Kafka cluster settings of a relay definition and
// the clients built from them: the shared publisher pool and topic admin.
package kafka

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// ClusterConfig is one entry under kafka.clusters. Name is the map key.
type ClusterConfig struct {
	Name        string        `yaml:"-"`
	Brokers     []string      `yaml:"brokers"`
	ClientID    string        `yaml:"clientId,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	Auth        AuthConfig    `yaml:"auth,omitempty"`
	TLS         TLSConfig     `yaml:"tls,omitempty"`
}

// AuthConfig selects SASL authentication. The password is given inline or
// read from the environment variable named by PasswordEnv.
type AuthConfig struct {
	Mechanism   string `yaml:"mechanism"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"passwordEnv,omitempty"`
}

// Secret returns the SASL password.
func (a AuthConfig) Secret() string {
	if a.Password != "" {
		return a.Password
	}
	if a.PasswordEnv != "" {
		return os.Getenv(a.PasswordEnv)
	}
	return ""
}

// TLSConfig defines TLS settings for broker connections. CertFile and
// KeyFile together enable mTLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	ServerName string `yaml:"serverName,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Validate reports every problem with the cluster settings.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	for _, b := range c.Brokers {
		if _, port, err := net.SplitHostPort(b); err != nil || port == "" {
			errs = append(errs, fmt.Errorf("broker %q must be host:port", b))
		}
	}
	if c.DialTimeout < 0 {
		errs = append(errs, errors.New("dialTimeout must not be negative"))
	}
	errs = append(errs, c.Auth.validate()...)
	errs = append(errs, c.TLS.validate()...)

	return errors.Join(errs...)
}

func (a AuthConfig) validate() []error {
	if a.Mechanism == "" {
		if a.Username != "" {
			return []error{errors.New("auth.mechanism is required when auth.username is set")}
		}
		return nil
	}

	var errs []error
	if _, ok := mechanisms[a.Mechanism]; !ok {
		errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be one of %s)",
			a.Mechanism, strings.Join(MechanismNames(), ", ")))
	}
	if a.Username == "" {
		errs = append(errs, errors.New("auth.username is required when mechanism is set"))
	}
	switch {
	case a.Password != "" && a.PasswordEnv != "":
		errs = append(errs, errors.New("auth.password and auth.passwordEnv are mutually exclusive"))
	case a.PasswordEnv != "" && a.Secret() == "":
		errs = append(errs, fmt.Errorf("auth.passwordEnv: $%s is empty", a.PasswordEnv))
	case a.Secret() == "":
		errs = append(errs, errors.New("auth.password or auth.passwordEnv is required when mechanism is set"))
	}
	return errs
}

func (t TLSConfig) validate() []error {
	var errs []error
	if !t.Enabled && (t.CAFile != "" || t.CertFile != "" || t.KeyFile != "") {
		errs = append(errs, errors.New("tls files are set but tls.enabled is false"))
	}
	if t.CertFile != "" && t.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if t.KeyFile != "" && t.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}
	return errs
}

// Redacted returns a copy safe to log: the inline password is masked.
func (c ClusterConfig) Redacted() ClusterConfig {
	if c.Auth.Password != "" {
		c.Auth.Password = "***"
	}
	c.Brokers = append([]string(nil), c.Brokers...)
	return c
}

// GlobalConfig is the kafka section of a relay definition. Input and output
// refer to clusters by name.
type GlobalConfig struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// Names returns the cluster names in sorted order.
func (c *GlobalConfig) Names() []string {
	names := make([]string, 0, len(c.Clusters))
	for name := range c.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every cluster, in name order.
func (c *GlobalConfig) Validate() error {
	if len(c.Clusters) == 0 {
		return errors.New("at least one cluster is required")
	}
	var errs []error
	for _, name := range c.Names() {
		cluster := c.Clusters[name]
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
