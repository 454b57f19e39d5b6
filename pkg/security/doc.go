/*
Package security provides the certificate authority and TLS configuration used
to secure sessions between hutch agents and their controller.

# Architecture

	┌──────────── hutch certs init ────────────┐
	│  CertAuthority.Initialize (ECDSA P-256)  │
	│        │                                 │
	│        ├── ca.crt / ca.key               │
	│        ├── controller.crt / .key         │
	│        └── node.crt / .key               │
	└──────────────────────────────────────────┘
	            │                     │
	            ▼                     ▼
	   ServerTLSConfig         ClientTLSConfig
	   (controller)            (agent)
	   - serves its cert       - verifies controller cert
	   - requires client       - against CAFile + ServerName
	     certs when CAFile     - presents node cert (mTLS)
	     is set

Peer verification is always on. The only way to disable it is the explicit
InsecureSkipVerify option, which logs a warning every time a client
configuration is built.

# Certificate Lifecycle

Root certificates are valid for 10 years and leaf certificates for 90 days.
CertNeedsRotation reports leaves with less than 30 days left; the agent warns
about such a client certificate when it connects.

# Files

	ca.crt          0644  root certificate (PEM)
	ca.key          0600  root key (PKCS#8 PEM)
	<name>.crt      0644  leaf certificate
	<name>.key      0600  leaf key (PKCS#8 PEM)
*/
package security
