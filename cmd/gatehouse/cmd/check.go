package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/config"
)

const (
	checkPass = "pass"
	checkFail = "fail"
	checkWarn = "warn"

	upstreamProbeTimeout = 3 * time.Second
	minAdminTokenLen     = 16
)

var errCheckFailed = errors.New("configuration check failed")

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type checkReport struct {
	Config string        `json:"config,omitempty"`
	Valid  bool          `json:"valid"`
	Checks []checkResult `json:"checks"`
}

func (r *checkReport) add(name, status, format string, args ...any) {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	if status == checkFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// runChecks inspects cfg the way the server would use it, without starting
// anything. The upstream probe uses client.
func runChecks(ctx context.Context, cfg *config.Config, client *http.Client) checkReport {
	report := checkReport{Valid: true}

	if err := cfg.Validate(); err != nil {
		report.add("config_valid", checkFail, "%v", err)
	} else {
		report.add("config_valid", checkPass, "")
	}

	switch {
	case cfg.Credential.PasswordHash != "":
		if err := auth.ValidatePasswordHash(cfg.Credential.PasswordHash); err != nil {
			report.add("password_hash", checkFail, "%v", err)
		} else {
			report.add("password_hash", checkPass, "")
		}
	case cfg.Credential.Password != "":
		report.add("password_hash", checkWarn, "plaintext password configured; use 'gatehouse hash-password'")
	}

	if _, err := cfg.PublicPathSet(); err != nil {
		report.add("public_paths", checkWarn, "%v", err)
	} else {
		report.add("public_paths", checkPass, "%d pattern(s)", len(cfg.PublicPaths))
	}

	checkSecrets(ctx, cfg, &report)
	checkTLS(cfg.TLS, &report)

	switch {
	case cfg.Admin.Token == "":
		report.add("admin_token", checkPass, "admin routes disabled")
	case len(cfg.Admin.Token) < minAdminTokenLen:
		report.add("admin_token", checkWarn, "token shorter than %d characters", minAdminTokenLen)
	default:
		report.add("admin_token", checkPass, "")
	}

	if cfg.Upstream != "" {
		checkUpstream(ctx, cfg.Upstream, client, &report)
	}
	return report
}

func checkSecrets(ctx context.Context, cfg *config.Config, report *checkReport) {
	if cfg.Secrets.EncryptionKey == "" && cfg.Secrets.Backend != config.BackendMemory {
		report.add("secrets_sealed", checkWarn, "no encryption_key; secrets are stored in the clear")
	}
	if cfg.Secrets.Backend == config.BackendMemory {
		report.add("secrets_backend", checkWarn, "memory backend; every user re-enrols after a restart")
		return
	}
	store, err := openSecrets(ctx, cfg)
	if err != nil {
		report.add("secrets_backend", checkFail, "%v", err)
		return
	}
	defer store.Close()
	report.add("secrets_backend", checkPass, "%s: %d user(s) enrolled", cfg.Secrets.Backend, store.Len())
}

func checkTLS(c config.TLSConfig, report *checkReport) {
	switch {
	case c.Disable:
		report.add("tls", checkWarn, "TLS disabled; terminate TLS in front of the gateway")
	case c.Cert == "" || c.Key == "":
		report.add("tls", checkWarn, "no certificate configured; a self-signed one is generated at startup")
	default:
		if _, err := tls.LoadX509KeyPair(c.Cert, c.Key); err != nil {
			report.add("tls", checkFail, "%v", err)
		} else {
			report.add("tls", checkPass, "")
		}
	}
}

// checkUpstream only warns: the upstream may legitimately start later.
func checkUpstream(ctx context.Context, upstream string, client *http.Client, report *checkReport) {
	ctx, cancel := context.WithTimeout(ctx, upstreamProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, upstream, nil)
	if err != nil {
		report.add("upstream", checkFail, "%v", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		report.add("upstream", checkWarn, "unreachable: %v", err)
		return
	}
	resp.Body.Close()
	report.add("upstream", checkPass, "%s answered %d", upstream, resp.StatusCode)
}

func printHumanReport(w io.Writer, report checkReport) {
	if report.Config != "" {
		fmt.Fprintf(w, "Config: %s\n\n", report.Config)
	}
	failures, warnings := 0, 0
	for _, c := range report.Checks {
		tag := "[PASS]"
		switch c.Status {
		case checkFail:
			tag = "[FAIL]"
			failures++
		case checkWarn:
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}
	fmt.Fprintln(w)
	if report.Valid {
		fmt.Fprintf(w, "Result: OK (%d warning(s))\n", warnings)
	} else {
		fmt.Fprintf(w, "Result: FAILED (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONReport(w io.Writer, report checkReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var checkJSONOutput bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the configuration without starting the gateway",
	Long: `Loads the configuration the way 'gatehouse server' does and reports on the
credential, secrets backend, TLS material, admin token and upstream.
Exits non-zero when any check fails; warnings do not fail the run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var report checkReport
		cfg, err := loadConfig()
		if err != nil {
			report = checkReport{Checks: []checkResult{{Name: "config_load", Status: checkFail, Detail: err.Error()}}}
		} else {
			report = runChecks(cmd.Context(), cfg, &http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			})
		}
		report.Config = resolvedConfigPath()

		out := cmd.OutOrStdout()
		if checkJSONOutput {
			if err := printJSONReport(out, report); err != nil {
				return err
			}
		} else {
			printHumanReport(out, report)
		}
		if !report.Valid {
			return errCheckFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSONOutput, "json", false, "Output results as JSON")
}
