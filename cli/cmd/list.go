package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dredge/cli/config"
)

// ListCommand returns the read-only list command.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List the recipes available in the recipe directory",
		Flags:  []cli.Flag{recipesFlag, formatFlag},
		Action: listAction,
	}
}

// recipeSummary is one row of list output.
type recipeSummary struct {
	RecipeID string `json:"recipeId"`
	Locators int    `json:"locators"`
	Loader   string `json:"loader"`
}

func listAction(c *cli.Context) error {
	settings := config.ResolveSettings(config.Flags{RecipeDir: c.String("recipes")}, nil)

	recipes, err := config.LoadDir(settings.RecipeDir)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	summaries := make([]recipeSummary, 0, len(recipes))
	for _, id := range config.RecipeIDs(recipes) {
		cfg := recipes[id]
		summaries = append(summaries, recipeSummary{
			RecipeID: cfg.RecipeID,
			Locators: len(cfg.Locators),
			Loader:   cfg.Loader.Strategy,
		})
	}

	switch c.String("format") {
	case "json":
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	case "table", "":
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RECIPE\tLOCATORS\tLOADER")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%d\t%s\n", s.RecipeID, s.Locators, s.Loader)
		}
		return w.Flush()
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q (must be table or json)", c.String("format")), exitFailure)
	}
}
