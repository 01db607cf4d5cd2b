package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/store"
)

func runAddUser() {
	var (
		configPath = flag.String("config", "./maild.toml", "Path to configuration file")
		database   = flag.String("database", "", "Path to the metadata database (overrides config)")
		username   = flag.String("username", "", "Login name for the new account")
		email      = flag.String("email", "", "Primary email address for the new account")
		fullName   = flag.String("full-name", "", "Display name for the new account")
		password   = flag.String("password", "", "Password for the new account")
		scheme     = flag.String("hash", auth.DefaultHash, "Password hash scheme (bcrypt, sha256, plain)")
	)
	flag.Parse()

	if *username == "" || *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: maild adduser -username NAME -email ADDR -password PASS [flags]")
		os.Exit(1)
	}

	dbPath := *database
	if dbPath == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
		dbPath = cfg.Storage.Database
	}

	hash, err := auth.HashPassword(*scheme, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error hashing password: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.CreateUser(context.Background(), &store.User{
		Username:     *username,
		Email:        *email,
		FullName:     *fullName,
		PasswordHash: hash,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created user %s <%s>\n", *username, *email)
}
