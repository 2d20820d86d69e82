package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yieldfarm/native/common"
	"yieldfarm/services/farmingd/server"
)

const (
	defaultURL     = "http://127.0.0.1:8080"
	urlEnv         = "FARMCTL_URL"
	tokenEnv       = "FARMCTL_TOKEN"
	defaultTimeout = 15 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// farmDefinition is the create-farm input file. YAML and JSON are both accepted.
type farmDefinition struct {
	StakingToken       string   `yaml:"staking_token" json:"staking_token"`
	RewardTokens       []string `yaml:"reward_tokens" json:"reward_tokens"`
	RewardPerSession   []string `yaml:"reward_per_session" json:"reward_per_session"`
	SessionIntervalSec uint64   `yaml:"session_interval_sec" json:"session_interval_sec"`
	LockupPeriodSec    uint64   `yaml:"lockup_period_sec" json:"lockup_period_sec"`
	StartAtSec         uint64   `yaml:"start_at_sec" json:"start_at_sec"`
}

type cli struct {
	client *apiClient
	key    string
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("farmctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("url", envOr(urlEnv, defaultURL), "farmingd base URL")
	token := fs.String("token", "", "bearer token (defaults to $"+tokenEnv+" or a prompt)")
	key := fs.String("idempotency-key", "", "reuse a specific Idempotency-Key for POST commands")
	timeout := fs.Duration("timeout", defaultTimeout, "request timeout")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if rest[0] == "issue-token" {
		return runIssueToken(rest[1:], stdout, stderr)
	}

	client, err := newAPIClient(*apiURL, newTokenSource(*token, tokenEnv, stderr), *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	c := &cli{client: client, key: strings.TrimSpace(*key), stdout: stdout, stderr: stderr}
	ctx := context.Background()

	cmd, params := rest[0], rest[1:]
	switch cmd {
	case "farms":
		return c.runFarms(ctx, params)
	case "farm":
		return c.runFarmCall(ctx, params, http.MethodGet, "/v1/farms/%d", false)
	case "create-farm":
		return c.runCreateFarm(ctx, params)
	case "update":
		return c.runFarmCall(ctx, params, http.MethodPost, "/v1/farms/%d/update", true)
	case "claim":
		return c.runFarmCall(ctx, params, http.MethodPost, "/v1/farms/%d/claim", true)
	case "withdraw":
		return c.runWithdraw(ctx, params)
	case "stakes":
		return c.runStakes(ctx, params)
	case "stake", "pending":
		return c.runStake(ctx, cmd, params)
	case "storage":
		if len(params) != 1 {
			fmt.Fprintln(stderr, "Usage: farmctl storage <account>")
			return 1
		}
		return c.do(ctx, http.MethodGet, "/v1/storage/"+url.PathEscape(params[0]), nil, false)
	case "storage-withdraw":
		return c.runStorageWithdraw(ctx, params)
	case "transfer":
		if len(params) != 1 {
			fmt.Fprintln(stderr, "Usage: farmctl transfer <transfer-id>")
			return 1
		}
		return c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(params[0]), nil, true)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: farmctl [--url URL] [--token TOKEN] <command> [args]",
		"",
		"Commands:",
		"  farms [--from N] [--limit N]      list farms",
		"  farm <farm-id>                    show a farm",
		"  create-farm --file farm.yaml      create a farm",
		"  update <farm-id>                  settle a farm's schedule",
		"  stakes <account>                  list an account's stakes",
		"  stake <account> <farm-id>         show a stake",
		"  pending <account> <farm-id>       show claimable rewards",
		"  claim <farm-id>                   claim rewards",
		"  withdraw <farm-id> <amount>       withdraw staked tokens",
		"  storage <account>                 show storage credit",
		"  storage-withdraw [amount]         withdraw storage credit (all when omitted)",
		"  transfer <transfer-id>            show an outbound transfer",
		"  issue-token --account A           sign a bearer token with $FARMINGD_JWT_SECRET",
	}, "\n")
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

// do performs the call and pretty-prints the JSON response.
func (c *cli) do(ctx context.Context, method, path string, body any, auth bool) int {
	data, err := c.client.call(ctx, method, path, body, auth, c.key)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, _ = c.stdout.Write(data)
		return 0
	}
	out.WriteByte('\n')
	_, _ = out.WriteTo(c.stdout)
	return 0
}

func parseFarmID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid farm id %q", raw)
	}
	return id, nil
}

// runFarmCall handles commands whose only argument is a farm id.
func (c *cli) runFarmCall(ctx context.Context, params []string, method, pathFormat string, auth bool) int {
	if len(params) != 1 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	id, err := parseFarmID(params[0])
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	return c.do(ctx, method, fmt.Sprintf(pathFormat, id), nil, auth)
}

func (c *cli) runFarms(ctx context.Context, params []string) int {
	fs := flag.NewFlagSet("farms", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	from := fs.Uint64("from", 0, "first farm id")
	limit := fs.Uint64("limit", 50, "maximum farms to return")
	if err := fs.Parse(params); err != nil {
		return 1
	}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/farms?from=%d&limit=%d", *from, *limit), nil, false)
}

func (c *cli) runStakes(ctx context.Context, params []string) int {
	fs := flag.NewFlagSet("stakes", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	from := fs.Uint64("from", 0, "skip this many stakes")
	limit := fs.Uint64("limit", 50, "maximum stakes to return")
	if err := fs.Parse(params); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "Usage: farmctl stakes [--from N] [--limit N] <account>")
		return 1
	}
	path := fmt.Sprintf("/v1/accounts/%s/stakes?from=%d&limit=%d", url.PathEscape(fs.Arg(0)), *from, *limit)
	return c.do(ctx, http.MethodGet, path, nil, false)
}

func (c *cli) runStake(ctx context.Context, cmd string, params []string) int {
	if len(params) != 2 {
		fmt.Fprintf(c.stderr, "Usage: farmctl %s <account> <farm-id>\n", cmd)
		return 1
	}
	id, err := parseFarmID(params[1])
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	path := fmt.Sprintf("/v1/accounts/%s/stakes/%d", url.PathEscape(params[0]), id)
	if cmd == "pending" {
		path += "/pending"
	}
	return c.do(ctx, http.MethodGet, path, nil, false)
}

func (c *cli) runCreateFarm(ctx context.Context, params []string) int {
	fs := flag.NewFlagSet("create-farm", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	file := fs.String("file", "", "farm definition (YAML or JSON)")
	if err := fs.Parse(params); err != nil {
		return 1
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(c.stderr, "Error: --file is required")
		return 1
	}
	def, err := loadFarmDefinition(*file)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	return c.do(ctx, http.MethodPost, "/v1/farms", def, true)
}

func loadFarmDefinition(path string) (farmDefinition, error) {
	var def farmDefinition
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read farm file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return def, fmt.Errorf("decode farm file: %w", err)
	}
	if strings.TrimSpace(def.StakingToken) == "" {
		return def, fmt.Errorf("farm file: staking_token is required")
	}
	if len(def.RewardTokens) != len(def.RewardPerSession) {
		return def, fmt.Errorf("farm file: reward_tokens and reward_per_session differ in length")
	}
	for _, amount := range def.RewardPerSession {
		if _, err := common.ParseAmount(amount); err != nil {
			return def, fmt.Errorf("farm file: reward_per_session %q: %w", amount, err)
		}
	}
	return def, nil
}

func (c *cli) runWithdraw(ctx context.Context, params []string) int {
	if len(params) != 2 {
		fmt.Fprintln(c.stderr, "Usage: farmctl withdraw <farm-id> <amount>")
		return 1
	}
	id, err := parseFarmID(params[0])
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	amount, err := common.ParseAmount(params[1])
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: invalid amount: %v\n", err)
		return 1
	}
	body := map[string]string{"amount": common.FormatAmount(amount)}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/farms/%d/withdraw", id), body, true)
}

func (c *cli) runStorageWithdraw(ctx context.Context, params []string) int {
	if len(params) > 1 {
		fmt.Fprintln(c.stderr, "Usage: farmctl storage-withdraw [amount]")
		return 1
	}
	body := map[string]string{}
	if len(params) == 1 {
		amount, err := common.ParseAmount(params[0])
		if err != nil {
			fmt.Fprintf(c.stderr, "Error: invalid amount: %v\n", err)
			return 1
		}
		body["amount"] = common.FormatAmount(amount)
	}
	return c.do(ctx, http.MethodPost, "/v1/storage/withdraw", body, true)
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	account := fs.String("account", "", "account to embed as the token subject")
	secretEnv := fs.String("secret-env", "FARMINGD_JWT_SECRET", "environment variable holding the HS256 secret")
	issuer := fs.String("issuer", "", "token issuer")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*account) == "" {
		fmt.Fprintln(stderr, "Error: --account is required")
		return 1
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		fmt.Fprintf(stderr, "Error: %s is not set\n", *secretEnv)
		return 1
	}
	token, err := server.IssueToken(secret, strings.TrimSpace(*account), strings.TrimSpace(*issuer), *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
