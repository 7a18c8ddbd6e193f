package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var genCertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed server certificate for the enrollment listener",
	Long: `gencert writes a self-signed certificate and private key suitable for
--cert/--key, signing for the source IPs or hostnames agents will
connect to. It is a bootstrap convenience, not a substitute for the
cluster certificate authority (pkg/security) used for manager-to-manager
RPC.`,
	RunE: runGenCert,
}

func init() {
	flags := genCertCmd.Flags()
	flags.String("cert-out", "sslmanager.cert", "output path for the certificate")
	flags.String("key-out", "sslmanager.key", "output path for the private key")
	flags.String("cn", "wardend", "certificate common name")
	flags.StringSlice("host", []string{"127.0.0.1"}, "IP addresses or DNS names to include as SANs")
	flags.Duration("validity", 365*24*time.Hour, "certificate validity period")
}

func runGenCert(cmd *cobra.Command, args []string) error {
	certOut, _ := cmd.Flags().GetString("cert-out")
	keyOut, _ := cmd.Flags().GetString("key-out")
	cn, _ := cmd.Flags().GetString("cn")
	hosts, _ := cmd.Flags().GetStringSlice("host")
	validity, _ := cmd.Flags().GetDuration("validity")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("gencert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("gencert: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Warden"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("gencert: create certificate: %w", err)
	}

	if err := writePEM(certOut, "CERTIFICATE", certDER, 0644); err != nil {
		return err
	}
	if err := writePEM(keyOut, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return err
	}

	fmt.Printf("wrote %s and %s (CN=%s, valid %s)\n", certOut, keyOut, cn, validity)
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("gencert: open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
