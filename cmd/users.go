package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ontoserve/authcore/internal/role"
	"github.com/ontoserve/authcore/internal/user"
)

var (
	addUserName    string
	addDisplayName string
	addEmail       string
	addPassword    string
	addRoles       []string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user records",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tENABLED\tGLOBAL ROLES")
			for _, id := range deps.Store.IDs() {
				u, ok := deps.Store.Get(id)
				if !ok {
					continue
				}
				roles := make([]string, 0)
				for _, r := range u.GlobalRoles().Values() {
					roles = append(roles, string(r))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.UserName, u.Email, u.Enabled, strings.Join(roles, ","))
			}
			return w.Flush()
		})
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user",
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			roles := role.NewSet()
			for _, name := range addRoles {
				r, ok := role.Parse(name)
				if !ok {
					return fmt.Errorf("unknown role %q", name)
				}
				roles.Add(r)
			}

			displayName := addDisplayName
			if displayName == "" {
				displayName = addUserName
			}
			u := user.New(uuid.New(), addUserName, displayName, roles, nil)
			u.Email = addEmail
			if addPassword != "" {
				if err := u.SetPassword(addPassword, deps.Config.Security.Cost()); err != nil {
					return err
				}
			}

			if err := deps.Store.AddOrUpdate(u); err != nil {
				return err
			}
			fmt.Printf("created user %s (%s)\n", u.UserName, u.ID)
			return nil
		})
	},
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove <id|username|email>",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			u, err := findUser(deps, args[0])
			if err != nil {
				return err
			}
			if !deps.Store.Remove(u.ID) {
				return fmt.Errorf("user %s cannot be removed", u.ID)
			}
			fmt.Printf("removed user %s (%s)\n", u.UserName, u.ID)
			return nil
		})
	},
}

var usersServiceTokenCmd = &cobra.Command{
	Use:   "service-token <id|username|email>",
	Short: "Assign a fresh service token and print it once",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			u, err := findUser(deps, args[0])
			if err != nil {
				return err
			}
			token, err := u.AssignServiceToken()
			if err != nil {
				return err
			}
			if err := deps.Store.AddOrUpdate(u); err != nil {
				return err
			}
			// the plaintext is not recoverable later, only its hash is stored
			fmt.Printf("service token for %s: %s\n", u.UserName, token)
			return nil
		})
	},
}

var usersDisableCmd = &cobra.Command{
	Use:   "disable <id|username|email>",
	Short: "Disable a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			return setEnabled(deps, args[0], false)
		})
	},
}

var usersEnableCmd = &cobra.Command{
	Use:   "enable <id|username|email>",
	Short: "Enable a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			return setEnabled(deps, args[0], true)
		})
	},
}

func setEnabled(deps *Dependencies, ref string, enabled bool) error {
	u, err := findUser(deps, ref)
	if err != nil {
		return err
	}
	u.Enabled = enabled
	if err := deps.Store.AddOrUpdate(u); err != nil {
		return err
	}
	fmt.Printf("user %s enabled=%t\n", u.UserName, enabled)
	return nil
}

// findUser accepts a record id, a username or an email address.
func findUser(deps *Dependencies, ref string) (*user.User, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if u, ok := deps.Store.Get(id); ok {
			return u, nil
		}
		return nil, fmt.Errorf("no user with id %s", id)
	}
	if u, ok := deps.Store.Find(ref); ok {
		return u, nil
	}
	return nil, fmt.Errorf("no user matching %q", ref)
}

func withDependencies(fn func(*Dependencies) error) {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	runErr := fn(deps)
	deps.shutdown()
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func init() {
	usersAddCmd.Flags().StringVar(&addUserName, "username", "", "login name (required)")
	usersAddCmd.Flags().StringVar(&addDisplayName, "display-name", "", "human readable name, defaults to the username")
	usersAddCmd.Flags().StringVar(&addEmail, "email", "", "email address")
	usersAddCmd.Flags().StringVar(&addPassword, "password", "", "initial password")
	usersAddCmd.Flags().StringSliceVar(&addRoles, "role", nil, "global role, repeatable")
	_ = usersAddCmd.MarkFlagRequired("username")
}
