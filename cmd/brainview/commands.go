package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/brainview/internal/api"
	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/config"
	"github.com/kalambet/brainview/internal/volume"
)

// --- track ---

var trackCmd = &cobra.Command{
	Use:   "track [job-id]",
	Short: "Track a segmentation job until it finishes",
	Long: `Track a segmentation job until it finishes.

Examples:
  brainview track 3f2c9a
  brainview track --project p-17 --sequence t1=a1 --sequence t1km=a2 --sequence t2=a3 --sequence flair=a4`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		seqs, _ := cmd.Flags().GetStringToString("sequence")

		req, err := buildTrackRequest(args, project, seqs)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := trackJob(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		if res.Added {
			printSuccess("Tracking job %s", res.ID)
		} else {
			printWarning("Job %s is already tracked", res.ID)
		}
		return nil
	},
}

func init() {
	trackCmd.Flags().String("project", "", "submit a new prediction for this project")
	trackCmd.Flags().StringToString("sequence", nil, "modality=sequence-id pairs for a new prediction")
}

func buildTrackRequest(args []string, project string, seqs map[string]string) (api.TrackRequest, error) {
	if len(args) == 1 {
		if project != "" || len(seqs) > 0 {
			return api.TrackRequest{}, fmt.Errorf("a job id cannot be combined with --project or --sequence")
		}
		return api.TrackRequest{ID: args[0]}, nil
	}
	if project == "" {
		return api.TrackRequest{}, fmt.Errorf("a job id or --project is required")
	}
	req := api.TrackRequest{ProjectID: project, Sequences: make(map[archive.Modality]string, len(seqs))}
	for k, v := range seqs {
		m, ok := archive.ParseModality(k)
		if !ok {
			return api.TrackRequest{}, fmt.Errorf("unknown modality %q", k)
		}
		req.Sequences[m] = v
	}
	return req, nil
}

func trackJob(ctx context.Context, c *apiClient, req api.TrackRequest) (api.TrackResult, error) {
	var res api.TrackResult
	resp, err := c.post(ctx, "/jobs", req)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List segmentation jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracked, _ := cmd.Flags().GetBool("tracked")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		jobs, err := listJobs(cmd.Context(), client, tracked, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		printJobs(jobs)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its status history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var detail jobDetail
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}

		printStatus("Job", "%s", detail.Job.ID)
		printStatus("Status", "%s", colorize(statusColor(detail.Job.Status), detail.Job.Status))
		printStatus("Tracked", "%v", detail.Job.Tracked)
		if detail.Job.LastError != "" {
			printStatus("Error", "%s", detail.Job.LastError)
		}
		for _, h := range detail.History {
			suffix := ""
			if h.Local {
				suffix = " (local)"
			}
			fmt.Printf("  %s  %s -> %s%s\n", h.At, h.Old, h.New, suffix)
		}
		return nil
	},
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop polling a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Stopped tracking %s", args[0])
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print job events as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		var since int64
		for {
			page, err := fetchEvents(ctx, client, since)
			if err != nil {
				return err
			}
			for _, ev := range page.Events {
				if ev.Type == "error" {
					printWarning("%s %s", ev.JobID, ev.Message)
					continue
				}
				fmt.Printf("%s  %s  %s -> %s\n", ev.Timestamp.Format(time.TimeOnly), ev.JobID, ev.Old,
					colorize(statusColor(string(ev.New)), string(ev.New)))
			}
			since = page.LastSeq
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	},
}

func init() {
	jobsCmd.Flags().Bool("tracked", false, "only jobs still being polled")
	jobsCmd.Flags().Int("limit", 50, "maximum number of jobs")
	jobsWatchCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
}

type jobDetail struct {
	Job     api.JobView `json:"job"`
	History []struct {
		Old   string `json:"old"`
		New   string `json:"new"`
		Local bool   `json:"local"`
		At    string `json:"at"`
	} `json:"history"`
}

type eventPage struct {
	Events []struct {
		JobID     string    `json:"job_id"`
		Type      string    `json:"type"`
		Old       string    `json:"old"`
		New       string    `json:"new"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"events"`
	LastSeq int64 `json:"last_seq"`
}

func listJobs(ctx context.Context, c *apiClient, tracked bool, limit int) ([]api.JobView, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if tracked {
		q.Set("tracked", "true")
	}
	resp, err := c.get(ctx, "/jobs?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var body struct {
		Jobs []api.JobView `json:"jobs"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

func fetchEvents(ctx context.Context, c *apiClient, since int64) (eventPage, error) {
	var page eventPage
	resp, err := c.get(ctx, "/jobs/events?since="+strconv.FormatInt(since, 10))
	if err != nil {
		return page, err
	}
	err = decodeJSON(resp, &page)
	return page, err
}

func printJobs(jobs []api.JobView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTRACKED\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", j.ID, j.Status, j.Tracked, j.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

// --- load / invalidate ---

var loadCmd = &cobra.Command{
	Use:   "load <subject-id>",
	Short: "Load a finished segmentation into the viewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modality, _ := cmd.Flags().GetString("modality")
		if _, ok := archive.ParseModality(modality); !ok {
			return fmt.Errorf("unknown modality %q", modality)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Loading %s (%s)", args[0], modality)
		sum, err := loadSubject(cmd.Context(), client, args[0], modality)
		if err != nil {
			return err
		}
		printSuccess("Loaded %s", sum.SubjectID)
		printStatus("Modalities", "%v", sum.Modalities)
		printStatus("Dimensions", "%dx%dx%d", sum.Dims[0], sum.Dims[1], sum.Dims[2])
		if sum.HasLabels {
			printStatus("Class voxels", "%v", sum.ClassCounts)
		}
		return nil
	},
}

func init() {
	loadCmd.Flags().String("modality", string(archive.T1), "modality to display (t1, t1km, t2, flair)")
}

func loadSubject(ctx context.Context, c *apiClient, id, modality string) (volume.Summary, error) {
	resp, err := c.post(ctx, "/subjects/"+url.PathEscape(id)+"/load", map[string]string{"modality": modality})
	if err != nil {
		return volume.Summary{}, err
	}
	var body struct {
		Subject volume.Summary `json:"subject"`
	}
	err = decodeJSON(resp, &body)
	return body.Subject, err
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <subject-id>",
	Short: "Drop a subject's cached volumes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/subjects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Invalidated %s", args[0])
		return nil
	},
}

// --- class ---

var classCmd = &cobra.Command{
	Use:   "class <index> show|hide",
	Short: "Show or hide a tumor class in every viewport",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("class index must be an integer: %q", args[0])
		}
		var visible bool
		switch strings.ToLower(args[1]) {
		case "show":
			visible = true
		case "hide":
		default:
			return fmt.Errorf("expected show or hide, got %q", args[1])
		}
		opacity, _ := cmd.Flags().GetInt("opacity")
		if !visible {
			opacity = 0
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), fmt.Sprintf("/viewports/classes/%d", index),
			map[string]any{"visible": visible, "opacity": opacity})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &json.RawMessage{}); err != nil {
			return err
		}
		printSuccess("Class %d %s", index, args[1])
		return nil
	},
}

func init() {
	classCmd.Flags().Int("opacity", 50, "opacity 0-100 when showing")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the segmentation backend API token in the secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetBackendToken(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("Stored backend API token")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
