package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lensisku/lexiassist/internal/api"
	"github.com/lensisku/lexiassist/internal/assistant"
	"github.com/lensisku/lexiassist/internal/config"
	"github.com/lensisku/lexiassist/internal/ingest"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask the assistant a question",
	Long: `Ask the assistant a question through the running server.

Examples:
  lexiassist chat "What is the word for cat?"
  lexiassist chat --locale de "Wie sagt man Hund?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		locale, _ := cmd.Flags().GetString("locale")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := sendChat(cmd.Context(), client, strings.Join(args, " "), locale)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("locale", "", "preferred explanation language, e.g. en or de")
}

func sendChat(ctx context.Context, client *apiClient, message, locale string) (string, error) {
	req := assistant.Request{
		Messages: []assistant.Message{{Role: "user", Content: message}},
		Locale:   locale,
	}
	var out api.ChatResponse
	if err := client.call(ctx, http.MethodPost, "/assistant/chat", req, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the dictionary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		langs, _ := cmd.Flags().GetInt32Slice("lang")
		sourceLang, _ := cmd.Flags().GetInt32("source-lang")
		asJSON, _ := cmd.Flags().GetBool("json")

		searchArgs := lexicon.Args{Query: strings.Join(args, " "), Languages: langs}
		if cmd.Flags().Changed("limit") {
			searchArgs.Limit = &limit
		}
		if cmd.Flags().Changed("source-lang") {
			searchArgs.SourceLangID = &sourceLang
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runSearch(cmd.Context(), client, searchArgs)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		writeResults(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", lexicon.DefaultLimit, "maximum number of results (1-50)")
	searchCmd.Flags().Int32Slice("lang", nil, "restrict to definition language ids")
	searchCmd.Flags().Int32("source-lang", storage.LojbanLangID, "language id of the headword")
	searchCmd.Flags().Bool("json", false, "print raw JSON")
}

func runSearch(ctx context.Context, client *apiClient, args lexicon.Args) (lexicon.Result, error) {
	var res lexicon.Result
	if err := client.call(ctx, http.MethodPost, "/assistant/search", args, &res); err != nil {
		return lexicon.Result{}, err
	}
	return res, nil
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <definitions.json>",
	Short: "Import dictionary definitions into the local lexicon",
	Long: `Import dictionary definitions into the local lexicon.

The file holds a JSON array, or one JSON object per line, of
{"id", "word", "source_langid", "langid", "definition", "notes", "selmaho", "jargon", "score"}.
Rows with an existing id are updated; a changed word or definition clears
the stored embedding.

Examples:
  lexiassist import defs.json
  lexiassist import --languages langs.json --embed defs.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		langsPath, _ := cmd.Flags().GetString("languages")
		embed, _ := cmd.Flags().GetBool("embed")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log.Level)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		var langs []storage.Language
		if langsPath != "" {
			if langs, err = readJSONFile[storage.Language](langsPath); err != nil {
				return err
			}
		}
		defs, err := readJSONFile[storage.Definition](args[0])
		if err != nil {
			return err
		}

		printStep("Importing %d definitions...", len(defs))
		n, err := importDefinitions(cmd.Context(), store, langs, defs)
		if err != nil {
			return err
		}
		printSuccess("Imported %d definitions", n)

		if !embed {
			return nil
		}
		if cfg.Embedding.Disabled {
			return errors.New("cannot embed: embedding.disabled is set")
		}

		engine := newEmbeddingEngine(cfg.Embedding, logger)
		defer engine.Close()

		printStep("Computing embeddings...")
		start := time.Now()
		worker := ingest.NewWorker(store, engine, cfg.Ingest.BatchSize, cfg.Ingest.PollInterval)
		embedded, err := worker.Drain(cmd.Context())
		if err != nil {
			return fmt.Errorf("embedded %d definitions before failing: %w", embedded, err)
		}
		printSuccess("Embedded %d definitions in %s", embedded, time.Since(start).Round(time.Second))
		return nil
	},
}

func init() {
	importCmd.Flags().String("languages", "", "JSON file of {id, tag, real_name} languages to upsert first")
	importCmd.Flags().Bool("embed", false, "compute embeddings for all pending definitions after importing")
}

// lexiconStore is the storage used by import.
type lexiconStore interface {
	UpsertLanguage(ctx context.Context, l storage.Language) error
	SaveDefinitions(ctx context.Context, defs []storage.Definition) (int, error)
}

func importDefinitions(ctx context.Context, store lexiconStore, langs []storage.Language, defs []storage.Definition) (int, error) {
	for _, l := range langs {
		if l.ID <= 0 || l.Tag == "" {
			return 0, fmt.Errorf("language %+v needs an id and a tag", l)
		}
		if err := store.UpsertLanguage(ctx, l); err != nil {
			return 0, fmt.Errorf("saving language %s: %w", l.Tag, err)
		}
	}
	if len(defs) == 0 {
		return 0, nil
	}
	return store.SaveDefinitions(ctx, defs)
}

func readJSONFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	items, err := decodeRecords[T](f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return items, nil
}

// decodeRecords reads either a JSON array or a stream of JSON objects.
func decodeRecords[T any](r io.Reader) ([]T, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var items []T
		if err := dec.Decode(&items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var items []T
	for {
		var item T
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(items)+1, err)
		}
		items = append(items, item)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !strings.ContainsRune(" \t\r\n", rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List chat models offered by the provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := newProxyClient(cfg.Assistant, newLogger(cfg.Log.Level))

		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		slices.Sort(ids)
		for _, id := range ids {
			marker := "  "
			if id == cfg.Assistant.Model {
				marker = colorize(colorGreen, "* ")
			}
			fmt.Fprintln(cmd.OutOrStdout(), marker+id)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetAPIKeyCmd = &cobra.Command{
	Use:   "set-api-key <key>",
	Short: "Store the OpenRouter API key in the local secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(args[0]) == "" {
			return errors.New("API key must not be empty")
		}
		if err := config.SetAPIKey(args[0]); err != nil {
			return err
		}
		printSuccess("API key stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetAPIKeyCmd)
}
