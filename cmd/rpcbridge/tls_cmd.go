package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/rpcbridge"
	"pkt.systems/rpcbridge/tlsutil"
)

func newTLSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage TLS material for the bridge",
	}
	cmd.AddCommand(newTLSNewCommand())
	return cmd
}

type tlsFiles struct {
	caCert     string
	caKey      string
	serverCert string
	serverKey  string
}

func tlsFilesIn(dir string) tlsFiles {
	return tlsFiles{
		caCert:     filepath.Join(dir, "ca.pem"),
		caKey:      filepath.Join(dir, "ca.key"),
		serverCert: filepath.Join(dir, "server.pem"),
		serverKey:  filepath.Join(dir, "server.key"),
	}
}

func newTLSNewCommand() *cobra.Command {
	var (
		outDir     string
		hosts      []string
		commonName string
		caValidity time.Duration
		validity   time.Duration
		force      bool
	)
	defaultOut := "$HOME/.rpcbridge/tls"
	if dir, err := rpcbridge.DefaultConfigDir(); err == nil {
		defaultOut = filepath.Join(dir, "tls")
	}

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a CA and a server certificate for --tls-cert/--tls-key",
		Long: `Generate a self-signed CA and a server certificate signed by it.

server.pem holds the server certificate followed by the CA, server.key its
private key. Clients trust the bridge with --ca ca.pem.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				dir, err := rpcbridge.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outDir = filepath.Join(dir, "tls")
			}
			dir, err := expandPath(outDir)
			if err != nil {
				return fmt.Errorf("expand --out: %w", err)
			}
			files := tlsFilesIn(dir)
			if !force {
				for _, path := range []string{files.caCert, files.caKey, files.serverCert, files.serverKey} {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", path)
					} else if !errors.Is(err, os.ErrNotExist) {
						return fmt.Errorf("stat %s: %w", path, err)
					}
				}
			}

			ca, err := tlsutil.GenerateCA(commonName+"-ca", caValidity)
			if err != nil {
				return err
			}
			issued, err := ca.IssueServer(tlsutil.ServerCertRequest{
				CommonName: commonName,
				Validity:   validity,
				Hosts:      hosts,
			})
			if err != nil {
				return err
			}

			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create tls dir: %w", err)
			}
			chain := append(append([]byte(nil), issued.CertPEM...), ca.CertPEM...)
			writes := []struct {
				path string
				data []byte
				mode os.FileMode
			}{
				{files.caCert, ca.CertPEM, 0o644},
				{files.caKey, ca.KeyPEM, 0o600},
				{files.serverCert, chain, 0o644},
				{files.serverKey, issued.KeyPEM, 0o600},
			}
			for _, w := range writes {
				if err := os.WriteFile(w.path, w.data, w.mode); err != nil {
					return fmt.Errorf("write %s: %w", w.path, err)
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s\nwrote %s\nwrote %s\nwrote %s\n", files.caCert, files.caKey, files.serverCert, files.serverKey)
			fmt.Fprintf(out, "serve with: rpcbridge serve --tls-cert %s --tls-key %s\n", files.serverCert, files.serverKey)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&outDir, "out", "", fmt.Sprintf("output directory (defaults to %s)", defaultOut))
	flags.StringSliceVar(&hosts, "hosts", nil, "DNS names and IPs for the server certificate (default localhost,127.0.0.1,::1)")
	flags.StringVar(&commonName, "cn", "rpcbridge", "server certificate common name")
	flags.DurationVar(&caValidity, "ca-validity", 10*365*24*time.Hour, "CA certificate lifetime")
	flags.DurationVar(&validity, "validity", 365*24*time.Hour, "server certificate lifetime")
	flags.BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
