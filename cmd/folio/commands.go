package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

// --- notebooks ---

var notebooksCmd = &cobra.Command{
	Use:   "notebooks",
	Short: "Create and list notebooks",
}

var notebooksCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a notebook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		nb, err := createNotebook(cmd.Context(), client, args[0], desc)
		if err != nil {
			return err
		}
		printSuccess("Created notebook %s", nb.ID)
		return nil
	},
}

var notebooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notebooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listNotebooks(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func init() {
	notebooksCreateCmd.Flags().String("description", "", "notebook description")
	notebooksCmd.AddCommand(notebooksCreateCmd, notebooksListCmd)
}

func createNotebook(ctx context.Context, client *apiClient, name, desc string) (storage.Notebook, error) {
	var nb storage.Notebook
	resp, err := client.post(ctx, "/notebooks", map[string]string{"name": name, "description": desc})
	if err != nil {
		return nb, err
	}
	err = decodeJSON(resp, &nb)
	return nb, err
}

func listNotebooks(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/notebooks")
	if err != nil {
		return err
	}
	var nbs []storage.Notebook
	if err := decodeJSON(resp, &nbs); err != nil {
		return err
	}
	if len(nbs) == 0 {
		printWarning("No notebooks yet. Create one with: folio notebooks create <name>")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, nb := range nbs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", nb.ID, nb.Name, shortTime(nb.CreatedAt))
	}
	return tw.Flush()
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a source to a notebook and queue its ingestion",
	Long: `Add a source to a notebook and queue its ingestion.

Examples:
  folio ingest --notebook nb-1 --url https://example.com/article
  folio ingest --notebook nb-1 --file ./talk.mp3 --title "Keynote" --wait
  folio ingest --notebook nb-1 --text "raw notes" --transform builtin-summary`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts ingestOptions
		opts.Notebook, _ = cmd.Flags().GetString("notebook")
		opts.URL, _ = cmd.Flags().GetString("url")
		opts.Text, _ = cmd.Flags().GetString("text")
		opts.File, _ = cmd.Flags().GetString("file")
		opts.Title, _ = cmd.Flags().GetString("title")
		opts.ContentType, _ = cmd.Flags().GetString("content-type")
		opts.Transformations, _ = cmd.Flags().GetStringSlice("transform")
		noEmbed, _ := cmd.Flags().GetBool("no-embed")
		wait, _ := cmd.Flags().GetBool("wait")
		if noEmbed {
			f := false
			opts.Embed = &f
		}
		if err := opts.validate(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		enq, err := ingestSource(cmd.Context(), client, opts)
		if err != nil {
			return err
		}
		printSuccess("Queued source %s (job %s)", enq.SourceID, enq.JobID)
		if !wait {
			return nil
		}
		job, err := waitForJob(cmd.Context(), client, enq.JobID, time.Second)
		if err != nil {
			return err
		}
		return reportJob(job)
	},
}

func init() {
	ingestCmd.Flags().String("notebook", "", "target notebook id")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("text", "", "inline text to ingest")
	ingestCmd.Flags().String("file", "", "local file to upload and ingest")
	ingestCmd.Flags().String("title", "", "source title")
	ingestCmd.Flags().String("content-type", "", "override the detected content type")
	ingestCmd.Flags().StringSlice("transform", nil, "transformation id to run after ingestion (repeatable)")
	ingestCmd.Flags().Bool("no-embed", false, "skip embedding the extracted text")
	ingestCmd.Flags().Bool("wait", false, "wait for the ingest job to finish")
}

type ingestOptions struct {
	Notebook        string
	URL             string
	Text            string
	File            string
	Title           string
	ContentType     string
	Transformations []string
	Embed           *bool
}

func (o ingestOptions) validate() error {
	if o.Notebook == "" {
		return fmt.Errorf("--notebook is required")
	}
	n := 0
	for _, v := range []string{o.URL, o.Text, o.File} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of --url, --text or --file is required")
	}
	return nil
}

func ingestSource(ctx context.Context, client *apiClient, o ingestOptions) (pipeline.Enqueued, error) {
	var enq pipeline.Enqueued
	path := "/notebooks/" + url.PathEscape(o.Notebook) + "/sources"

	if o.File != "" {
		fields := map[string]string{}
		if o.Title != "" {
			fields["title"] = o.Title
		}
		if o.ContentType != "" {
			fields["content_type"] = o.ContentType
		}
		if len(o.Transformations) > 0 {
			fields["transformations"] = strings.Join(o.Transformations, ",")
		}
		if o.Embed != nil {
			fields["embed"] = strconv.FormatBool(*o.Embed)
		}
		resp, err := client.upload(ctx, path, o.File, fields)
		if err != nil {
			return enq, err
		}
		return enq, decodeJSON(resp, &enq)
	}

	resp, err := client.post(ctx, path, pipeline.SourceDraft{
		Title:           o.Title,
		URL:             o.URL,
		Text:            o.Text,
		ContentType:     o.ContentType,
		Transformations: o.Transformations,
		Embed:           o.Embed,
	})
	if err != nil {
		return enq, err
	}
	return enq, decodeJSON(resp, &enq)
}

func getJob(ctx context.Context, client *apiClient, id string) (storage.Job, error) {
	var job storage.Job
	resp, err := client.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return job, err
	}
	err = decodeJSON(resp, &job)
	return job, err
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(ctx context.Context, client *apiClient, id string, every time.Duration) (storage.Job, error) {
	last := storage.JobStatus("")
	for {
		job, err := getJob(ctx, client, id)
		if err != nil {
			return job, err
		}
		if job.Status != last {
			printStep("job %s: %s", id, job.Status)
			last = job.Status
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(every):
		}
	}
}

func reportJob(job storage.Job) error {
	if job.Status == storage.JobSucceeded {
		printSuccess("Job %s succeeded", job.ID)
		return nil
	}
	if job.LastError != "" {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.LastError)
	}
	return fmt.Errorf("job %s %s", job.ID, job.Status)
}

// --- reingest ---

var reingestCmd = &cobra.Command{
	Use:   "reingest <source-id>",
	Short: "Re-run ingestion for an existing source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sources/"+url.PathEscape(args[0])+"/reingest", nil)
		if err != nil {
			return err
		}
		var enq pipeline.Enqueued
		if err := decodeJSON(resp, &enq); err != nil {
			return err
		}
		printSuccess("Queued re-ingestion of %s (job %s)", enq.SourceID, enq.JobID)
		return nil
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		status, _ := cmd.Flags().GetString("status")
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listJobs(cmd.Context(), client, cmd.OutOrStdout(), kind, status, target, limit)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := getJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cancelled job %s", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("kind", "", "filter by kind (ingest, transform, embed)")
	jobsListCmd.Flags().String("status", "", "filter by status")
	jobsListCmd.Flags().String("target", "", "filter by target id")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)
}

func listJobs(ctx context.Context, client *apiClient, w io.Writer, kind, status, target string, limit int) error {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if target != "" {
		q.Set("target_id", target)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var jobs []storage.Job
	if err := decodeJSON(resp, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		printWarning("No jobs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATUS\tATTEMPTS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Kind, j.TargetID, statusColor(string(j.Status)), j.Attempts, j.MaxAttempts, shortTime(j.UpdatedAt))
	}
	return tw.Flush()
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <notebook-id> <question...>",
	Short: "Ask a question grounded in a notebook",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ans, err := askNotebook(cmd.Context(), client, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), ans)
		}
		writeAnswer(cmd.OutOrStdout(), ans)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("json", false, "print the raw answer as JSON")
}

func askNotebook(ctx context.Context, client *apiClient, notebookID, query string) (ask.Answer, error) {
	var ans ask.Answer
	resp, err := client.post(ctx, "/notebooks/"+url.PathEscape(notebookID)+"/ask", map[string]any{"query": query})
	if err != nil {
		return ans, err
	}
	err = decodeJSON(resp, &ans)
	return ans, err
}

func writeAnswer(w io.Writer, ans ask.Answer) {
	fmt.Fprintln(w, ans.Text)
	if len(ans.Citations) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, colorize(colorBold, "Sources:"))
	for i, c := range ans.Citations {
		if c.NoteID != "" {
			fmt.Fprintf(w, "  [%d] note %s (score %.3f)\n", i+1, c.NoteID, c.Score)
			continue
		}
		fmt.Fprintf(w, "  [%d] source %s, chunk %d (score %.3f)\n", i+1, c.SourceID, c.ChunkIndex, c.Score)
	}
}

// --- transformations ---

var transformCmd = &cobra.Command{
	Use:   "transform <source-id> <transformation-id>",
	Short: "Run a transformation on a source and print the note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(),
			"/sources/"+url.PathEscape(args[0])+"/transformations/"+url.PathEscape(args[1]), nil)
		if err != nil {
			return err
		}
		var note storage.Note
		if err := decodeJSON(resp, &note); err != nil {
			return err
		}
		printSuccess("Created note %s", note.ID)
		fmt.Fprintln(cmd.OutOrStdout(), note.Content)
		return nil
	},
}

var transformationsCmd = &cobra.Command{
	Use:   "transformations",
	Short: "Manage transformation prompts",
}

var transformationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transformations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listTransformations(cmd.Context(), client, cmd.OutOrStdout())
	},
}

var transformationsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a transformation from a prompt template",
	Long: `Create a transformation from a prompt template.

The prompt is read from --prompt, or from --prompt-file ("-" for stdin).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		promptFile, _ := cmd.Flags().GetString("prompt-file")
		applyDefault, _ := cmd.Flags().GetBool("default")

		if promptFile != "" {
			var data []byte
			var err error
			if promptFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(promptFile)
			}
			if err != nil {
				return fmt.Errorf("reading prompt: %w", err)
			}
			prompt = string(data)
		}
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("--prompt or --prompt-file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		t, err := createTransformation(cmd.Context(), client, storage.Transformation{
			Name:           args[0],
			Kind:           storage.TransformCustom,
			PromptTemplate: prompt,
			ApplyDefault:   applyDefault,
		})
		if err != nil {
			return err
		}
		printSuccess("Created transformation %s", t.ID)
		return nil
	},
}

func init() {
	transformationsCreateCmd.Flags().String("prompt", "", "prompt template")
	transformationsCreateCmd.Flags().String("prompt-file", "", "read the prompt template from a file")
	transformationsCreateCmd.Flags().Bool("default", false, "apply to every new source")
	transformationsCmd.AddCommand(transformationsListCmd, transformationsCreateCmd)
}

func createTransformation(ctx context.Context, client *apiClient, t storage.Transformation) (storage.Transformation, error) {
	var out storage.Transformation
	resp, err := client.post(ctx, "/transformations", t)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func listTransformations(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/transformations")
	if err != nil {
		return err
	}
	var ts []storage.Transformation
	if err := decodeJSON(resp, &ts); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tDEFAULT")
	for _, t := range ts {
		def := ""
		if t.ApplyDefault {
			def = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Kind, def)
	}
	return tw.Flush()
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
		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Secrets (server.api_token and provider API keys) are stored in the platform
secret store, everything else in the config file. A running server picks up
provider, model and log level changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(w, k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}
