package sshconn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/hshell/internal/fault"
)

// authMethods resolves the record's credentials. A key file is offered
// before the password when both are configured.
func (c *Conn) authMethods() ([]ssh.AuthMethod, error) {
	target := c.record.Target()
	var methods []ssh.AuthMethod

	if kp := strings.TrimSpace(c.record.KeyPath); kp != "" {
		signer, err := loadSigner(kp)
		if err != nil {
			return nil, fault.New(fault.Auth, "load key", target, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.record.Password != "" {
		if c.opts.Decrypter == nil {
			return nil, fault.Newf(fault.Auth, "decrypt password", target, "no decrypter configured")
		}
		pw, err := c.opts.Decrypter.Decrypt(c.record.Password)
		if err != nil {
			return nil, fault.New(fault.Auth, "decrypt password", target, err)
		}
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fault.Newf(fault.Auth, "authenticate", target, "no password or key file configured")
	}
	return methods, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		var pm *ssh.PassphraseMissingError
		if errors.As(err, &pm) {
			return nil, fmt.Errorf("private key %s is passphrase protected", path)
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
