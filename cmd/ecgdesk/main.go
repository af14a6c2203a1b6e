package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecgdesk/internal/config"
	"ecgdesk/internal/db"
	"ecgdesk/internal/domain"
	"ecgdesk/internal/engine"
	"ecgdesk/internal/migrate"
	"ecgdesk/internal/repo"
	"ecgdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ecgdesk",
	Short: "ECG Desk CLI",
	Long: `ECG Desk routes ECG readings from technicians to doctors.
- Workspace: the .ecgdesk directory holds the database, uploads, and config.
- Intake: a technician registers a patient with ECG images; a task is created
  and handed to the duty doctor when one is on duty.
- Tasks: pending -> assigned -> in_progress -> completed (or cancelled); every
  transition lands in an append-only history.
- Duty: one doctor carries the duty flag; a dated roster backs it up.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ECGDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(dutyCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = db.UploadDir(workspace)
	}
	if secret := os.Getenv("ECGDESK_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLogger())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("ECGDESK_JWT_SECRET is required for bearer auth")
			}
			log := newLogger()
			e := engine.New(conn, cfg, log)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Server.JWTSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					Logger:                 log,
				},
				Debug: cfg.Debug,
				Log:   log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Msg("serving ECG Desk API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default ecgdesk.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			cfg := config.Default()
			cfg.Uploads.Dir = db.UploadDir(workspace)
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied:", db.Path(workspace))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed one admin, doctor, and technician",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				seeds := []struct{ name, email, role string }{
					{"Admin User", "admin@example.com", domain.RoleAdmin},
					{"Doctor User", "doctor@example.com", domain.RoleDoctor},
					{"Technician User", "tech@example.com", domain.RoleTechnician},
				}
				for _, s := range seeds {
					u, err := e.CreateUser(ctx, s.name, s.email, s.role)
					if err != nil {
						var ce engine.ConflictError
						if errors.As(err, &ce) {
							fmt.Printf("already seeded: %s\n", s.email)
							continue
						}
						return err
					}
					fmt.Printf("seeded user %d: %s (%s)\n", u.ID, u.Email, u.Role)
				}
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userSetDutyCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var name, email, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, name, email, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(u, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&role, "role", domain.RoleTechnician, "role: admin, doctor, or technician")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(users, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "On Duty"})
					for _, u := range users {
						tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.IsDuty})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func userSetDutyCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "set-duty <doctor-id>",
		Short: "Put a doctor on duty (exclusive) or take them off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid doctor id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetDutyDoctor(ctx, id, !off); err != nil {
					return err
				}
				if off {
					fmt.Printf("doctor %d off duty\n", id)
				} else {
					fmt.Printf("doctor %d on duty\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "take the doctor off duty")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskCountsCmd())
	return task
}

func taskCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Status", "Tasks"})
					for _, status := range domain.TaskStatuses {
						tw.AppendRow(table.Row{status, counts[status]})
					}
				})
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var status string
	var doctorID, technicianID int64
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{
					Status:       status,
					DoctorID:     doctorID,
					TechnicianID: technicianID,
					Limit:        limit,
					Offset:       offset,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Patient", "Status", "Priority", "Technician", "Doctor", "Created"})
					for _, t := range tasks {
						doctor := ""
						if t.DoctorName != nil {
							doctor = *t.DoctorName
						}
						tw.AppendRow(table.Row{t.ID, t.PatientIDString, t.Status, t.Priority, t.TechnicianName, doctor, t.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "filter by assigned doctor id")
	cmd.Flags().Int64Var(&technicianID, "technician", 0, "filter by technician id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hist, err := e.TaskHistory(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(hist, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "From", "To", "By", "Comment", "At"})
					for _, h := range hist {
						from := ""
						if h.OldStatus != nil {
							from = *h.OldStatus
						}
						tw.AppendRow(table.Row{h.ID, from, h.NewStatus, h.ChangedBy, h.Comment, h.CreatedAt})
					}
				})
			})
		},
	}
	return cmd
}

func patientCmd() *cobra.Command {
	patient := &cobra.Command{Use: "patient", Short: "Inspect patients"}
	patient.AddCommand(&cobra.Command{
		Use:   "show <patient-id>",
		Short: "Show a patient by numeric id or PAT identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var p domain.Patient
				var err error
				if id, convErr := strconv.ParseInt(args[0], 10, 64); convErr == nil {
					p, err = r.GetPatient(ctx, id)
				} else {
					p, err = r.GetPatientByPublicID(ctx, args[0])
				}
				if err != nil {
					return err
				}
				images, err := r.CountImagesByPatient(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(struct {
					domain.Patient
					Images int `json:"images"`
				}{p, images})
			})
		},
	})
	return patient
}

func dutyCmd() *cobra.Command {
	duty := &cobra.Command{Use: "duty", Short: "Duty roster"}
	duty.AddCommand(dutyListCmd())
	duty.AddCommand(dutyAddCmd())
	return duty
}

func dutyListCmd() *cobra.Command {
	var date, shift string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List doctors on duty for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doctors, err := e.DutyDoctors(ctx, date, shift)
				if err != nil {
					return err
				}
				return printJSONOrTable(doctors, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Email", "Shift", "Date"})
					for _, d := range doctors {
						tw.AppendRow(table.Row{d.ID, d.Name, d.Email, d.Shift, d.DutyDate})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&shift, "shift", "", "shift: morning, afternoon, evening, night, full_day")
	return cmd
}

func dutyAddCmd() *cobra.Command {
	var doctorID int64
	var date, shift string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a doctor to the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidShift(shift) {
				return fmt.Errorf("invalid shift %q", shift)
			}
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := r.InsertDutyRoster(ctx, domain.DutyRosterEntry{
					DoctorID: doctorID,
					DutyDate: date,
					Shift:    shift,
					IsActive: true,
				})
				if err != nil {
					return err
				}
				fmt.Printf("roster entry %d: doctor %d on %s (%s)\n", id, doctorID, date, shift)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "doctor id")
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&shift, "shift", "full_day", "shift")
	_ = cmd.MarkFlagRequired("doctor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key %s created for user %d\nsecret (save it now): %s\n", key.ID, userID, secret)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "filter by user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func printJSONOrTable(v any, render func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
