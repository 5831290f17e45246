package main

import (
	"fmt"
	"io"

	"talkstream/pkg/ai"

	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the supported providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			writeProviders(cmd.OutOrStdout(), ai.ListProviders())
			return nil
		},
	}
}

func writeProviders(w io.Writer, providers []ai.ProviderInfo) {
	width := 0
	for _, info := range providers {
		width = max(width, len(info.Type))
	}

	fmt.Fprintln(w, titleStyle.Render("Providers"))
	for _, info := range providers {
		fmt.Fprintf(w, "%s %s  %s\n",
			bulletStyle.Render("•"),
			padRight(string(info.Type), width),
			info.Name,
		)
		fmt.Fprintf(w, "  %s\n", mutedStyle.Render(info.Description))
		fmt.Fprintf(w, "  %s\n", mutedStyle.Render(fmt.Sprintf("default url: %s  auth: %s", info.DefaultAPIURL, info.AuthMethod)))
	}
}
