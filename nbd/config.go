package nbd

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ServerConfig holds the config that applies to each server (i.e. listener)
type ServerConfig struct {
	Protocol        string    `mapstructure:"protocol" validate:"required,oneof=tcp tcp4 tcp6 unix"` // protocol it should listen on (in net.Conn form)
	Address         string    `mapstructure:"address" validate:"required"`                           // address to listen on
	DefaultExport   string    `mapstructure:"default_export"`                                        // export used when a client asks for the empty name
	Workers         int       `mapstructure:"workers" validate:"gte=0"`                              // concurrent workers per connection, DefaultWorkers if 0
	TLS             TLSConfig `mapstructure:"tls"`                                                   // TLS configuration
	DisableNoZeroes bool      `mapstructure:"disable_no_zeroes"`                                     // Disable NoZeroes extension
}

// TLSConfig has the configuration for TLS
type TLSConfig struct {
	KeyFile    string `mapstructure:"key_file"`     // path to TLS key file
	CertFile   string `mapstructure:"cert_file"`    // path to TLS cert file
	ServerName string `mapstructure:"server_name"`  // server name
	CaCertFile string `mapstructure:"ca_cert_file"` // path to certificate file
	ClientAuth string `mapstructure:"client_auth"`  // client authentication strategy
	MinVersion string `mapstructure:"min_version"`  // minimum TLS version
	MaxVersion string `mapstructure:"max_version"`  // maximum TLS version
}

// Map of configuration text to TLS versions
var tlsVersionMap = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// Map of configuration text to TLS authentication strategies
var tlsClientAuthMap = map[string]tls.ClientAuthType{
	"none":          tls.NoClientCert,
	"request":       tls.RequestClientCert,
	"require":       tls.RequireAnyClientCert,
	"verify":        tls.VerifyClientCertIfGiven,
	"requireverify": tls.RequireAndVerifyClientCert,
}

// Enabled reports whether TLS is configured at all
func (t TLSConfig) Enabled() bool {
	return t.KeyFile != ""
}

// build turns the configuration into a tls.Config. It returns nil if TLS is
// not configured.
func (t TLSConfig) build() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	if t.CertFile == "" {
		return nil, errors.New("tls: a key file needs a certificate file")
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   t.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
	if t.CaCertFile != "" {
		pem, err := os.ReadFile(t.CaCertFile)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		conf.ClientCAs = x509.NewCertPool()
		if !conf.ClientCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls: no certificates found in %s", t.CaCertFile)
		}
	}
	if t.ClientAuth != "" {
		auth, ok := tlsClientAuthMap[strings.ToLower(t.ClientAuth)]
		if !ok {
			return nil, fmt.Errorf("tls: unknown client authentication strategy %q", t.ClientAuth)
		}
		conf.ClientAuth = auth
	}
	if t.MinVersion != "" {
		v, ok := tlsVersionMap[strings.ToLower(t.MinVersion)]
		if !ok {
			return nil, fmt.Errorf("tls: unknown minimum version %q", t.MinVersion)
		}
		conf.MinVersion = v
	}
	if t.MaxVersion != "" {
		v, ok := tlsVersionMap[strings.ToLower(t.MaxVersion)]
		if !ok {
			return nil, fmt.Errorf("tls: unknown maximum version %q", t.MaxVersion)
		}
		conf.MaxVersion = v
	}
	return conf, nil
}
