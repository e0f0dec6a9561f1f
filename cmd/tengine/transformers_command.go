package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tengine/internal/registry"
)

func newTransformersCommand(flags *rootFlags) *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "transformers",
		Short: "List the transformers in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(registryPath)
			if path == "" {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Registry.File
			}
			if path == "" {
				return errors.New("no registry file configured (set registry.file or use --registry)")
			}
			reg, err := registry.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTransformers(reg.Transformers()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&registryPath, "registry", "r", "", "Registry file (defaults to registry.file from config)")
	return cmd
}

func renderTransformers(ts []registry.Transformer) string {
	headers := []string{"Transformer", "Source", "Target", "Max Size", "Priority", "Options"}
	var rows [][]string
	for _, t := range ts {
		opts := append([]string(nil), t.Options...)
		sort.Strings(opts)
		for _, st := range t.Supported {
			maxSize := "unlimited"
			if st.MaxSourceSize > 0 {
				maxSize = strconv.FormatInt(st.MaxSourceSize, 10)
			}
			rows = append(rows, []string{
				t.Name, st.Source, st.Target, maxSize, strconv.Itoa(st.Priority), strings.Join(opts, ", "),
			})
		}
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft})
}
