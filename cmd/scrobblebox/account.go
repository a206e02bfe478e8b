package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/osa030/scrobblebox/internal/domain/account"
	"github.com/osa030/scrobblebox/internal/infra/audioscrobbler"
	"github.com/osa030/scrobblebox/internal/infra/config"
)

func addAccount(ctx context.Context, path string, cfg *config.Config) error {
	a := config.AccountConfig{
		Service:    *accountAddService,
		Username:   *accountAddUsername,
		SessionKey: *accountSessionKey,
	}

	if a.SessionKey == "" {
		password := *accountPassword
		if password == "" {
			var err error
			if password, err = promptPassword(); err != nil {
				return err
			}
		}
		a.PasswordMD5 = account.MD5Hex(password)
	}

	if *accountCheck {
		if err := checkAccount(ctx, cfg, a); err != nil {
			return err
		}
	}

	if err := cfg.AddAccount(a); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	zlog.Info().Msgf("account saved: account=%s config=%s", a.Binding().ID(), path)
	fmt.Printf("Saved account %s to %s\n", a.Binding().ID(), path)
	return nil
}

// promptPassword asks twice for the password without echoing it.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped input: read one line.
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", fmt.Errorf("no password given (use --password or a terminal): %v", err)
		}
		return line, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password is empty")
	}
	return string(first), nil
}

// checkAccount performs one handshake with the account's credentials.
func checkAccount(ctx context.Context, cfg *config.Config, a config.AccountConfig) error {
	svc, err := cfg.Service(a.Service)
	if err != nil {
		return err
	}
	svc.MaxAttempts = 1
	svc.DebugResponses = *debugResponse

	client, err := audioscrobbler.New(svc, a.Binding())
	if err != nil {
		return err
	}
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("account %s: %w", a.Binding().ID(), err)
	}
	fmt.Printf("Authenticated as %s\n", a.Binding().ID())
	return nil
}

func removeAccount(path string, cfg *config.Config) error {
	if err := cfg.RemoveAccount(*accountRmService, *accountRmUsername); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Removed account %s/%s\n", *accountRmService, *accountRmUsername)
	return nil
}

func listAccounts(cfg *config.Config) {
	if len(cfg.Accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tUSERNAME\tAUTH\tSTATUS")
	for _, a := range cfg.Accounts {
		auth := "password"
		if a.SessionKey != "" {
			auth = "session key"
		}
		status := "enabled"
		if a.Disabled {
			status = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Service, a.Username, auth, status)
	}
	w.Flush()
}

func setServiceKeys(path string, cfg *config.Config) error {
	name := *serviceKeysName
	if *serviceURL == "" && !slices.Contains(cfg.ServiceNames(), name) {
		return fmt.Errorf("service %s is not builtin, --base-url is required", name)
	}
	if *serviceURL != "" {
		s := cfg.Services[name]
		s.BaseURL = *serviceURL
		if cfg.Services == nil {
			cfg.Services = map[string]config.ServiceConfig{}
		}
		cfg.Services[name] = s
	}
	if err := cfg.SetServiceKeys(name, *serviceKeysKey, *serviceKeysSecret); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Saved keys of service %s to %s\n", name, path)
	return nil
}

func listServices(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tENDPOINT\tKEYS\tACCOUNTS")
	for _, name := range cfg.ServiceNames() {
		endpoint, keys := "-", "missing"
		if svc, err := cfg.Service(name); err == nil {
			endpoint, keys = svc.BaseURL, "ok"
		} else if s, ok := cfg.Services[name]; ok && s.BaseURL != "" {
			endpoint = s.BaseURL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", name, endpoint, keys, len(cfg.ListAccounts(name, "")))
	}
	w.Flush()
}
