package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/bcrosbie/gridlink/internal/config"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/redact"
	"github.com/bcrosbie/gridlink/internal/session"
)

func (a *app) newFlagSet(name string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(a.out)
	return flags
}

func (a *app) loginCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("login")
	token := flags.String("token", "", "bearer token to store")
	username := flags.String("username", "", "account name")
	password := flags.String("password", "", "account password (prompted when empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	bearer := strings.TrimSpace(*token)
	if bearer == "" {
		name := strings.TrimSpace(*username)
		if name == "" {
			name = a.askLine("Username: ")
		}
		secret := *password
		if secret == "" {
			secret = a.askLine("Password: ")
		}
		pair, err := a.apiClient(session.NewStatic(session.Credential{})).ObtainToken(ctx, name, secret)
		if err != nil {
			return fmt.Errorf("login failed: %s", domain.UserMessage(err))
		}
		bearer = pair.Access
	}

	profile, err := a.apiClient(session.NewStatic(session.Credential{Token: bearer})).Profile(ctx)
	if err != nil {
		return fmt.Errorf("verify token: %s", domain.UserMessage(err))
	}
	if err := config.EnsureConfigDir(a.cfg.SessionFile); err != nil {
		return err
	}
	file := session.NewFileSource(a.cfg.SessionFile, a.logger.Named("session"))
	if err := file.Load(); err != nil {
		return err
	}
	if err := file.Login(bearer, &profile); err != nil {
		return err
	}
	a.printf("logged in as %s (balance %.2f)\n", profile.Username, float64(profile.WalletBalance))
	if config.ResolveToken(a.cfg) != "" {
		a.printf("note: %s is set and takes precedence over the session file\n", a.cfg.TokenEnvVar)
	}
	return nil
}

func (a *app) logoutCommand() error {
	file := session.NewFileSource(a.cfg.SessionFile, a.logger.Named("session"))
	if err := file.Load(); err != nil {
		return err
	}
	if !file.Current().Authenticated() {
		a.printf("not logged in\n")
		return nil
	}
	if err := file.Logout(); err != nil {
		return err
	}
	a.printf("logged out\n")
	return nil
}

func (a *app) whoamiCommand(ctx context.Context) error {
	creds, file, err := a.credentials()
	if err != nil {
		return err
	}
	cred := creds.Current()
	if !cred.Authenticated() {
		a.printf("not logged in\n")
		return nil
	}
	profile, err := a.apiClient(creds).Profile(ctx)
	if err != nil {
		return fmt.Errorf("profile: %s", domain.UserMessage(err))
	}
	if file != nil {
		if err := file.UpdateProfile(&profile); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "user\t%s\n", profile.Username)
	fmt.Fprintf(w, "email\t%s\n", profile.Email)
	fmt.Fprintf(w, "role\t%s\n", profile.Role)
	fmt.Fprintf(w, "balance\t%.2f\n", float64(profile.WalletBalance))
	fmt.Fprintf(w, "token\t%s\n", redact.Token(cred.Token))
	return w.Flush()
}

func (a *app) jobsCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("jobs")
	limit := flags.Int("limit", 20, "maximum jobs to list")
	if err := flags.Parse(args); err != nil {
		return err
	}
	creds, _, err := a.credentials()
	if err != nil {
		return err
	}
	jobs, err := a.apiClient(creds).ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("jobs: %s", domain.UserMessage(err))
	}
	if len(jobs) == 0 {
		a.printf("no jobs\n")
		return nil
	}
	if *limit > 0 && len(jobs) > *limit {
		jobs = jobs[:*limit]
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tCREATED\tPROMPT")
	for _, job := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", job.ID, job.Status, job.Model, job.CreatedAt, oneLine(job.Prompt, 50))
	}
	return w.Flush()
}

func (a *app) modelsCommand(ctx context.Context) error {
	creds, _, err := a.credentials()
	if err != nil {
		return err
	}
	list, err := a.apiClient(creds).ListModels(ctx)
	if err != nil {
		return fmt.Errorf("models: %s", domain.UserMessage(err))
	}
	if len(list.Models) == 0 {
		a.printf("no models online (%d nodes)\n", list.TotalNodes)
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDERS")
	for _, model := range list.Models {
		fmt.Fprintf(w, "%s\t%d\n", model.Name, model.Providers)
	}
	fmt.Fprintf(w, "\t%d nodes\n", list.TotalNodes)
	return w.Flush()
}

func (a *app) statsCommand(ctx context.Context) error {
	creds, _, err := a.credentials()
	if err != nil {
		return err
	}
	stats, err := a.apiClient(creds).NetworkStats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %s", domain.UserMessage(err))
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "active nodes\t%d\n", stats.ActiveNodes)
	fmt.Fprintf(w, "available models\t%d\n", stats.AvailableModels)
	fmt.Fprintf(w, "completed jobs\t%d\n", stats.CompletedJobs)
	fmt.Fprintf(w, "total jobs\t%d\n", stats.TotalJobs)
	return w.Flush()
}

func (a *app) historyCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("history")
	limit := flags.Int("limit", 20, "maximum outcomes to list")
	if err := flags.Parse(args); err != nil {
		return err
	}
	archive, err := a.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	items, err := archive.ListOutcomes(ctx, *limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		a.printf("no tracked outcomes\n")
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tJOB\tSTATE\tSTRATEGY\tPOLLS\tMODEL\tMESSAGE")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			item.FinishedAt, item.JobID, item.State, item.Strategy, item.Polls, item.Model, oneLine(item.Message, 50))
	}
	return w.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
