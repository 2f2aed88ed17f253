package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/Drowrin/Weeabot-sub000/weeabot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		envPrefix := envVarPrefix()

		if cfg.DatabaseType == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				envPrefix,
			)
		}
		if cfg.Database == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				envPrefix,
			)
		}

		db, err := weeabot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		var runtimeConfig weeabot.RuntimeConfig
		rv := db.Last(&runtimeConfig)
		if rv.Error != nil {
			if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error.Error())
			}
			runtimeConfig = weeabot.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			if err = promptAdminCredentials(db, &runtimeConfig, os.Stdin, out); err != nil {
				log.Fatalf("Error setting admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptAdminCredentials reads a username from in, and a password (twice)
// from customPasswordReader, then stores the hashed credentials.
func promptAdminCredentials(
	db *gorm.DB,
	runtimeConfig *weeabot.RuntimeConfig,
	in io.Reader,
	out io.Writer,
) error {
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username cannot be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	var password string
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		password = string(passwordBytes)
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		fmt.Fprintln(out)

		if password != "" && password == string(confirmBytes) {
			break
		}
		fmt.Fprintln(out, "Passwords do not match (or are empty). Please try again.")
	}

	hashedPassword, err := weeabot.HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}

	return db.Model(runtimeConfig).Updates(
		map[string]any{
			"admin_username": username,
			"admin_password": hashedPassword,
		},
	).Error
}

func init() {
	rootCmd.AddCommand(initCmd)
}
