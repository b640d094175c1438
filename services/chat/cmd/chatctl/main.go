// Command chatctl provisions users and mints development tokens for the chat service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"pairchat/internal/usertoken"
	"pairchat/pkg/auth"
	"pairchat/pkg/domain"
	"pairchat/pkg/store"
	"pairchat/services/chat/internal/config"
)

const usage = `usage: chatctl [-config path] <command> [flags]

commands:
  adduser -username NAME -email EMAIL -password PASS
  rename  -id ID -username NAME
  token   -user ID [-ttl 24h]
`

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	configPath := global.String("config", config.ConfigPath, "path to config.yaml")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("command required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch rest[0] {
	case "adduser":
		return addUser(ctx, cfg, rest[1:], out)
	case "rename":
		return rename(ctx, cfg, rest[1:], out)
	case "token":
		return mintToken(cfg, rest[1:], out)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func openStore(cfg config.FileConfig) (store.Store, func(), error) {
	if cfg.Driver() != "postgres" {
		return nil, nil, fmt.Errorf("databaseDriver %q is not persistent", cfg.Driver())
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return gs, func() { _ = gs.Close() }, nil
}

func addUser(ctx context.Context, cfg config.FileConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	username := fs.String("username", "", "display name")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name := strings.TrimSpace(*username)
	if name == "" {
		return errors.New("adduser: -username is required")
	}
	if err := auth.ValidatePassword(*password); err != nil {
		return fmt.Errorf("adduser: %w", err)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("adduser: hash password: %w", err)
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	user, err := st.SaveUser(ctx, domain.User{
		Username:     name,
		Email:        strings.ToLower(strings.TrimSpace(*email)),
		PasswordHash: hash,
	})
	if err != nil {
		return fmt.Errorf("adduser: %w", err)
	}
	fmt.Fprintf(out, "created user %s (%s)\n", user.ID, user.Username)
	return nil
}

func rename(ctx context.Context, cfg config.FileConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	rawID := fs.String("id", "", "user id")
	username := fs.String("username", "", "new display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := domain.ParseID(*rawID)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	name := strings.TrimSpace(*username)
	if name == "" {
		return errors.New("rename: -username is required")
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := renameUser(ctx, st, id, name); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	fmt.Fprintf(out, "renamed user %s to %s\n", id, name)
	return nil
}

func renameUser(ctx context.Context, st store.Store, id domain.ID, name string) error {
	owner, ok, err := st.GetUserByUsername(ctx, name)
	if err != nil {
		return err
	}
	if ok && owner.ID != id {
		return fmt.Errorf("%w: %q belongs to user %s", store.ErrUserExists, name, owner.ID)
	}
	return st.RenameUser(ctx, id, name)
}

func mintToken(cfg config.FileConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	rawID := fs.String("user", "", "user id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := domain.ParseID(*rawID)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("token: jwtSecret is not configured")
	}
	tok, err := usertoken.Sign(usertoken.SignConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      *ttl,
	}, id, time.Now())
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}
