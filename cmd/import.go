package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk import users",
	Long:  `Load users from a tab-delimited file into the store. Existing ids, usernames and emails are left untouched.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDependencies(func(deps *Dependencies) error {
			if err := deps.Store.ImportFile(args[0]); err != nil {
				return err
			}
			fmt.Printf("imported users from %s\n", args[0])
			return nil
		})
	},
}
