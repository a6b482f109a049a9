// Command signer runs the isolated signer process: the only process in
// a wardex deployment that ever holds decrypted key material. It
// listens on a unix socket and signs only when presented with a valid,
// unexpired approval token minted by the shield.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/wardex/internal/logging"
	"github.com/mbd888/wardex/internal/signer"
)

func main() {
	var (
		keyFilePath = flag.String("key-file", os.Getenv("SIGNER_KEY_FILE"), "path to the encrypted key file")
		socketPath  = flag.String("socket", envOrDefault("SIGNER_SOCKET_PATH", "/var/run/wardex/signer.sock"), "unix socket path to listen on")
	)
	flag.Parse()

	logger := logging.New("info", "text")

	if *keyFilePath == "" {
		logger.Error("SIGNER_KEY_FILE (or -key-file) is required")
		os.Exit(1)
	}

	passphrase := os.Getenv("SIGNER_KEY_PASSPHRASE")
	if passphrase == "" {
		logger.Error("SIGNER_KEY_PASSPHRASE is required")
		os.Exit(1)
	}

	approvalSecret := os.Getenv("APPROVAL_TOKEN_SECRET")
	if approvalSecret == "" {
		logger.Error("APPROVAL_TOKEN_SECRET is required")
		os.Exit(1)
	}

	keyFile, err := loadKeyFile(*keyFilePath)
	if err != nil {
		logger.Error("failed to read key file", "error", err)
		os.Exit(1)
	}

	srv, err := signer.NewServer(keyFile, passphrase, []byte(approvalSecret))
	if err != nil {
		logger.Error("failed to unlock signer", "error", err)
		os.Exit(1)
	}

	if err := srv.Listen(*socketPath); err != nil {
		logger.Error("failed to listen", "error", err, "socket", *socketPath)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("signer shutting down, zeroing key material")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("signer listening", "socket", *socketPath)
	if err := srv.Serve(); err != nil {
		logger.Error("signer serve error", "error", err)
		os.Exit(1)
	}
}

func loadKeyFile(path string) (*signer.EncryptedKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf signer.EncryptedKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, err
	}
	return &kf, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
