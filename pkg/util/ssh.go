package util

import (
	"crypto"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKey renders a public key in the OpenSSH authorized_keys format,
// with the given comment appended.
func AuthorizedKey(pub crypto.PublicKey, comment string) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	if comment == "" {
		return line, nil
	}
	// MarshalAuthorizedKey terminates the line with a newline
	return append(append(line[:len(line)-1], ' '), append([]byte(comment), '\n')...), nil
}

// RunSSHCommand run a command on a remote server via SSH
func RunSSHCommand(user, host string, privPEM []byte, command string, timeout time.Duration) ([]byte, error) {
	signer, err := ssh.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// nodes are freshly created and their host keys are not known in advance
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	output, err := session.Output(command)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}

	return output, nil
}
