package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskboard/internal/app"
	"taskboard/internal/services"
)

var templateCategory string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage automation rule templates",
}

var templatesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert builtin templates that are not yet stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())
		n, err := a.Templates.SeedBuiltins(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d templates inserted\n", n)
		return nil
	},
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates and their variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())
		templates, err := a.Templates.ListTemplates(cmd.Context(), templateCategory)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tTRIGGER\tUSES\tNAME\tVARIABLES")
		for i := range templates {
			t := &templates[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Category, t.TriggerType, t.UsageCount, t.Name,
				strings.Join(services.TemplateVariables(t), ","))
		}
		return w.Flush()
	},
}

func openApp() (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger, false)
}

func init() {
	templatesListCmd.Flags().StringVar(&templateCategory, "category", "", "only list this category")
	templatesCmd.AddCommand(templatesSeedCmd, templatesListCmd)
	rootCmd.AddCommand(templatesCmd)
}
