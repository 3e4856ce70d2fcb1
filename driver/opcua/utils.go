package opcua

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uatest"
	"github.com/sirupsen/logrus"
)

// Endpoint builds an opc.tcp URL from host, port and an optional path.
func Endpoint(host string, port int, path string) string {
	if port == 0 {
		port = defaultEndpointPort
	}
	u := defaultEndpointScheme + net.JoinHostPort(host, strconv.Itoa(port))
	if path != "" {
		u += "/" + strings.TrimPrefix(path, "/")
	}
	return u
}

const (
	defaultEndpointPort   = 4840
	defaultEndpointScheme = "opc.tcp://"
)

// ValidateEndpoint checks the URL form and adds the default port when none is given.
func ValidateEndpoint(address string) (string, error) {
	if !strings.HasPrefix(address, defaultEndpointScheme) {
		return "", fmt.Errorf("invalid OPC-UA address %q: must start with %q", address, defaultEndpointScheme)
	}
	rest := strings.TrimPrefix(address, defaultEndpointScheme)
	hostPort, path, _ := strings.Cut(rest, "/")
	if hostPort == "" {
		return "", fmt.Errorf("invalid OPC-UA address %q: missing host", address)
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(strings.Trim(hostPort, "[]"), strconv.Itoa(defaultEndpointPort))
	}
	out := defaultEndpointScheme + hostPort
	if path != "" {
		out += "/" + path
	}
	return out, nil
}

// clientOptions maps Options onto gopcua client options: security, identity,
// reconnect and request timeout.
func clientOptions(o Options, log logrus.FieldLogger) ([]opcua.Option, error) {
	mode := getSecurityMode(o.SecurityMode)
	policy := getSecurityPolicy(o.SecurityPolicy)

	opts := []opcua.Option{
		opcua.SecurityMode(mode),
		opcua.SecurityPolicy(policy),
		opcua.AutoReconnect(true),
		opcua.ReconnectInterval(o.MaxReconnectDelay),
		opcua.RequestTimeout(o.SendReceiveTimeout),
	}

	if o.Username != "" {
		opts = append(opts, opcua.AuthUsername(o.Username, o.Password))
		log.Infof("OPC-UA: using username authentication (user: %s)", o.Username)
	} else {
		opts = append(opts, opcua.AuthAnonymous())
		log.Infof("OPC-UA: using anonymous authentication")
	}

	if mode == ua.MessageSecurityModeNone || policy == ua.SecurityPolicyURINone {
		return opts, nil
	}

	cert, err := clientCertificate(o)
	if err != nil {
		return nil, err
	}
	pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid private key type; expected RSA private key")
	}
	return append(opts, opcua.PrivateKey(pk), opcua.Certificate(cert.Certificate[0])), nil
}

// clientCertificate loads the configured key pair or generates a self-signed one.
func clientCertificate(o Options) (tls.Certificate, error) {
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		return cert, nil
	}
	certPEM, keyPEM, err := uatest.GenerateCert("urn:opcua-gateway:client", 2048, 365*24*time.Hour)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate cert: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse generated cert: %w", err)
	}
	return cert, nil
}

// getSecurityMode converts a security mode string to a ua.MessageSecurityMode.
func getSecurityMode(mode string) ua.MessageSecurityMode {
	switch strings.ToLower(mode) {
	case "sign":
		return ua.MessageSecurityModeSign
	case "signandencrypt", "sign&encrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

// getSecurityPolicy converts a policy name to its URI.
func getSecurityPolicy(policy string) string {
	switch strings.ToLower(policy) {
	case "basic128rsa15":
		return ua.SecurityPolicyURIBasic128Rsa15
	case "basic256":
		return ua.SecurityPolicyURIBasic256
	case "basic256sha256":
		return ua.SecurityPolicyURIBasic256Sha256
	default:
		return ua.SecurityPolicyURINone
	}
}
