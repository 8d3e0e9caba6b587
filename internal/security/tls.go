package security

import "crypto/tls"

// ServerTLSConfig builds the mutual-TLS server configuration the
// coordinator listens with: client certificates are required and
// verified against the CA the KeySource returned. The verified client
// certificate's CommonName becomes the per-request client identity.
func ServerTLSConfig(id *Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*id.Cert},
		ClientCAs:    id.CA,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig builds the mutual-TLS configuration a disktenderctl
// client dials with.
func ClientTLSConfig(id *Identity, serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*id.Cert},
		RootCAs:      id.CA,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientIdentity extracts the authenticated caller's identity from a
// verified client certificate chain; responses are tagged with it.
func ClientIdentity(cs *tls.ConnectionState) string {
	if cs == nil || len(cs.PeerCertificates) == 0 {
		return ""
	}
	return cs.PeerCertificates[0].Subject.CommonName
}
