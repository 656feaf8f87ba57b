package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/index"
)

var indexPagesFile string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the page indexes behind the related content endpoints",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build NAME",
	Short: "Embed pages into the named index",
	Long: `Embed pages into the named index, creating it when needed.

Pages are read as a JSON array from --pages (or stdin when it is "-"):

  [{"id": "12", "title": "Tea", "edit_url": "/admin/pages/12/edit/", "content": "..."}]

Pages already in the index are replaced by id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := wandlet.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		pages, err := readPages(cmd.InOrStdin(), indexPagesFile)
		if err != nil {
			return err
		}
		n, err := buildIndex(cmd, s, args[0], pages)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages\n", args[0], n)
		return nil
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the saved indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := wandlet.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		embedder, err := index.NewEmbedder(s)
		if err != nil {
			return err
		}
		defer embedder.Close()
		reg, err := index.LoadRegistry(wandlet.IndexDir(s), embedder, time.Minute)
		if err != nil {
			return err
		}
		defer reg.Close()
		for _, name := range reg.Names() {
			idx, _ := reg.Get(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d pages\t%s\n", name, idx.Len(), idx.Model())
		}
		return nil
	},
}

func init() {
	indexBuildCmd.Flags().StringVar(&indexPagesFile, "pages", "-", "JSON file with the pages to index")
	indexCmd.AddCommand(indexBuildCmd, indexListCmd)
}

func readPages(stdin io.Reader, path string) ([]index.Page, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var pages []index.Page
	if err := json.NewDecoder(r).Decode(&pages); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	for i, p := range pages {
		if p.ID == "" {
			return nil, fmt.Errorf("page %d: missing id", i+1)
		}
	}
	return pages, nil
}

func buildIndex(cmd *cobra.Command, s *wandlet.Settings, name string, pages []index.Page) (int, error) {
	embedder, err := index.NewEmbedder(s)
	if err != nil {
		return 0, err
	}
	defer embedder.Close()

	path := index.IndexPath(wandlet.IndexDir(s), name)
	idx, err := index.LoadPageIndex(path, embedder, time.Minute)
	switch {
	case errors.Is(err, os.ErrNotExist):
		idx = index.NewPageIndex(name, embedder, s.Index.ChunkSize, time.Minute)
	case err != nil:
		return 0, err
	}
	defer idx.Close()

	if err := idx.AddPages(cmd.Context(), pages); err != nil {
		return 0, err
	}
	if err := idx.Save(path); err != nil {
		return 0, fmt.Errorf("save index: %w", err)
	}
	slog.Info("index saved", "name", name, "path", path, "pages", idx.Len())
	return idx.Len(), nil
}
