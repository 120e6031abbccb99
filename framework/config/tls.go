/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
)

var tlsVersions = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// TLSConfig holds a certificate pair that can be replaced at runtime.
type TLSConfig struct {
	node Node

	l   sync.Mutex
	cfg *tls.Config
}

// Get returns a copy of the current configuration or nil if TLS is off.
func (c *TLSConfig) Get() *tls.Config {
	c.l.Lock()
	defer c.l.Unlock()
	if c.cfg == nil {
		return nil
	}
	return c.cfg.Clone()
}

func (c *TLSConfig) load(initial bool) error {
	node := c.node
	var cfg *tls.Config

	switch len(node.Args) {
	case 1:
		switch node.Args[0] {
		case "off":
		case "self_signed":
			if !initial {
				return nil
			}
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
			if err := selfSignedCert(cfg); err != nil {
				return err
			}
			log.Println("tls: using self-signed certificate, this is not secure!")
		default:
			return NodeErr(node, "unexpected argument (%s), want 'off' or 'self_signed'", node.Args[0])
		}
	case 2:
		var err error
		cfg, err = readCertBlock(node)
		if err != nil {
			return err
		}
	default:
		return NodeErr(node, "expected 1 or 2 arguments")
	}

	c.l.Lock()
	c.cfg = cfg
	c.l.Unlock()
	return nil
}

// TLSDirective parses 'tls off', 'tls self_signed' or
// 'tls cert_path key_path { protocols min [max] }'.
//
// The result is a *tls.Config that picks up reloaded certificates
// (hooks.EventReload) or nil for 'tls off'.
func TLSDirective(_ *Map, node Node) (interface{}, error) {
	c := &TLSConfig{node: node}
	if err := c.load(true); err != nil {
		return nil, err
	}
	if c.Get() == nil {
		return (*tls.Config)(nil), nil
	}

	hooks.AddHook(hooks.EventReload, func() {
		log.Debugln("tls: reloading certificates")
		if err := c.load(false); err != nil {
			log.DefaultLogger.Error("tls: failed to load new certificates", err)
		}
	})

	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return c.Get(), nil
		},
	}, nil
}

func readCertBlock(node Node) (*tls.Config, error) {
	var protocols []string
	m := NewMap(nil, node)
	m.StringList("protocols", false, false, nil, &protocols)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{}
	if len(protocols) > 2 {
		return nil, NodeErr(node, "protocols: expected one or two versions")
	}
	for i, p := range protocols {
		v, ok := tlsVersions[p]
		if !ok {
			return nil, NodeErr(node, "invalid TLS version: %s", p)
		}
		if i == 0 {
			cfg.MinVersion = v
		} else {
			cfg.MaxVersion = v
		}
	}

	cert, err := tls.LoadX509KeyPair(node.Args[0], node.Args[1])
	if err != nil {
		return nil, NodeErr(node, "%v", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	log.Debugf("tls: using %s : %s", node.Args[0], node.Args[1])
	return cfg, nil
}

func selfSignedCert(cfg *tls.Config) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"mailfilter self-signed"}},
		NotBefore:    now,
		NotAfter:     now.Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}

	cfg.Certificates = append(cfg.Certificates, tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        tmpl,
	})
	return nil
}

// TLSClientBlock parses the TLS settings used when connecting to other
// servers:
//
//	tls_client {
//	    root_ca /etc/ssl/private-ca.pem
//	    cert /etc/mailfilter/client.crt
//	    key /etc/mailfilter/client.key
//	    protocols tls1.2 tls1.3
//	    insecure_skip_verify no
//	}
//
// The result is a *tls.Config.
func TLSClientBlock(_ *Map, node Node) (interface{}, error) {
	var (
		rootCAPaths       []string
		certPath, keyPath string
		protocols         []string
		insecure          bool
	)

	m := NewMap(nil, node)
	m.StringList("root_ca", false, false, nil, &rootCAPaths)
	m.String("cert", false, false, "", &certPath)
	m.String("key", false, false, "", &keyPath)
	m.StringList("protocols", false, false, nil, &protocols)
	m.Bool("insecure_skip_verify", false, false, &insecure)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{InsecureSkipVerify: insecure}

	if len(protocols) > 2 {
		return nil, NodeErr(node, "protocols: expected one or two versions")
	}
	for i, p := range protocols {
		v, ok := tlsVersions[p]
		if !ok {
			return nil, NodeErr(node, "invalid TLS version: %s", p)
		}
		if i == 0 {
			cfg.MinVersion = v
		} else {
			cfg.MaxVersion = v
		}
	}

	if len(rootCAPaths) != 0 {
		pool := x509.NewCertPool()
		for _, path := range rootCAPaths {
			blob, err := os.ReadFile(path)
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			if !pool.AppendCertsFromPEM(blob) {
				return nil, NodeErr(node, "no certificates were loaded from %s", path)
			}
		}
		cfg.RootCAs = pool
	}

	if (certPath == "") != (keyPath == "") {
		return nil, NodeErr(node, "both cert and key should be specified")
	}
	if certPath != "" {
		keypair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		log.Debugf("tls: using client keypair %s : %s", certPath, keyPath)
		cfg.Certificates = []tls.Certificate{keypair}
	}

	return cfg, nil
}
