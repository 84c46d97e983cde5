package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nxmramm/native/ramm"
	"nxmramm/services/rammd/server"
)

const (
	defaultEndpoint = "http://127.0.0.1:7081"
	endpointEnv     = "RAMMD_URL"
	tokenEnv        = "RAMMD_TOKEN"
	secretEnv       = "RAMMD_HMAC_SECRET"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: rammctl [-url URL] [-token TOKEN] <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  state                       current reserve record")
	fmt.Fprintln(w, "  reserves                    reserves projected to now")
	fmt.Fprintln(w, "  prices                      spot prices, book value and internal price")
	fmt.Fprintln(w, "  breaker                     circuit breaker usage and limits")
	fmt.Fprintln(w, "  swaps [-user A] [-limit N]  recent committed swaps")
	fmt.Fprintln(w, "  account <address>           wallet balances")
	fmt.Fprintln(w, "  swap -nxm-in X | -eth-in X  execute a swap (amounts in ether units)")
	fmt.Fprintln(w, "  pause <on|off>              toggle the emergency swap pause")
	fmt.Fprintln(w, "  system-pause <on|off>       toggle the system-wide pause")
	fmt.Fprintln(w, "  limits -eth N -nxm N        set circuit breaker limits in whole tokens")
	fmt.Fprintln(w, "  remove-budget               zero the injection budget")
	fmt.Fprintln(w, "  watch [-backlog N]          stream engine events")
	fmt.Fprintln(w, "  token -subject A            mint a bearer token")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rammctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("url", envOr(endpointEnv, defaultEndpoint), "rammd base URL")
	token := fs.String("token", os.Getenv(tokenEnv), "bearer token for swaps and admin calls")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}

	client := newClient(*endpoint, *token)
	cmd, cmdArgs := strings.ToLower(rest[0]), rest[1:]
	var err error
	switch cmd {
	case "state":
		err = client.getJSON(ctx, "/v1/state", stdout)
	case "reserves":
		err = client.getJSON(ctx, "/v1/reserves", stdout)
	case "prices":
		err = client.getJSON(ctx, "/v1/prices", stdout)
	case "breaker":
		err = client.getJSON(ctx, "/v1/circuit-breaker", stdout)
	case "swaps":
		err = runSwaps(ctx, client, cmdArgs, stdout, stderr)
	case "account":
		err = runAccount(ctx, client, cmdArgs, stdout)
	case "swap":
		err = runSwap(ctx, client, cmdArgs, stdout, stderr)
	case "pause":
		err = runToggle(ctx, client, "/v1/admin/swap-pause", cmdArgs, stdout)
	case "system-pause":
		err = runToggle(ctx, client, "/v1/admin/system-pause", cmdArgs, stdout)
	case "limits":
		err = runLimits(ctx, client, cmdArgs, stdout, stderr)
	case "remove-budget":
		err = client.postJSON(ctx, "/v1/admin/budget/remove", struct{}{}, stdout)
	case "watch":
		err = runWatch(ctx, client, cmdArgs, stdout, stderr)
	case "token":
		err = runToken(cmdArgs, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func runSwaps(ctx context.Context, client *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("swaps", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "only swaps by this address")
	limit := fs.Int("limit", 20, "maximum number of swaps")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := "limit=" + strconv.Itoa(*limit)
	if strings.TrimSpace(*user) != "" {
		if !common.IsHexAddress(*user) {
			return fmt.Errorf("invalid address %q", *user)
		}
		query += "&user=" + common.HexToAddress(*user).Hex()
	}
	return client.getJSON(ctx, "/v1/swaps?"+query, stdout)
}

func runAccount(ctx context.Context, client *client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rammctl account <address>")
	}
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("invalid address %q", args[0])
	}
	return client.getJSON(ctx, "/v1/accounts/"+common.HexToAddress(args[0]).Hex(), stdout)
}

// buildSwapRequest converts ether-denominated flags into the wei wire form.
func buildSwapRequest(nxmIn, ethIn, minOut string, deadline time.Duration, now time.Time) (server.SwapRequest, error) {
	var req server.SwapRequest
	nxmIn, ethIn = strings.TrimSpace(nxmIn), strings.TrimSpace(ethIn)
	switch {
	case nxmIn != "" && ethIn != "":
		return req, fmt.Errorf("only one of -nxm-in and -eth-in may be set")
	case nxmIn == "" && ethIn == "":
		return req, fmt.Errorf("one of -nxm-in and -eth-in is required")
	}
	if nxmIn != "" {
		v, err := ramm.ParseEther(nxmIn)
		if err != nil {
			return req, fmt.Errorf("nxm-in: %w", err)
		}
		req.NxmIn = v.Dec()
	} else {
		v, err := ramm.ParseEther(ethIn)
		if err != nil {
			return req, fmt.Errorf("eth-in: %w", err)
		}
		req.EthIn = v.Dec()
	}
	if strings.TrimSpace(minOut) != "" {
		v, err := ramm.ParseEther(minOut)
		if err != nil {
			return req, fmt.Errorf("min-out: %w", err)
		}
		req.MinAmountOut = v.Dec()
	}
	if deadline > 0 {
		req.Deadline = uint64(now.Add(deadline).Unix())
	}
	return req, nil
}

func runSwap(ctx context.Context, client *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nxmIn := fs.String("nxm-in", "", "NXM to sell, in token units")
	ethIn := fs.String("eth-in", "", "ETH to spend, in ether units")
	minOut := fs.String("min-out", "", "minimum amount out, in token units")
	deadline := fs.Duration("deadline", 0, "deadline relative to now (server default when zero)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := buildSwapRequest(*nxmIn, *ethIn, *minOut, *deadline, time.Now())
	if err != nil {
		return err
	}
	return client.postJSON(ctx, "/v1/swap", req, stdout)
}

func parseToggle(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", raw)
	}
}

func runToggle(ctx context.Context, client *client, path string, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rammctl %s <on|off>", strings.TrimPrefix(path, "/v1/admin/"))
	}
	paused, err := parseToggle(args[0])
	if err != nil {
		return err
	}
	return client.postJSON(ctx, path, server.SwapPauseRequest{Paused: paused}, stdout)
}

func runLimits(ctx context.Context, client *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("limits", flag.ContinueOnError)
	fs.SetOutput(stderr)
	eth := fs.Uint("eth", 0, "ETH released per window, whole tokens")
	nxm := fs.Uint("nxm", 0, "NXM released per window, whole tokens")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eth == 0 || *nxm == 0 {
		return fmt.Errorf("both -eth and -nxm are required")
	}
	if uint64(*eth) > uint64(^uint32(0)) || uint64(*nxm) > uint64(^uint32(0)) {
		return fmt.Errorf("limits must fit in 32 bits")
	}
	body := server.BreakerLimitsRequest{EthLimit: uint32(*eth), NxmLimit: uint32(*nxm)}
	return client.postJSON(ctx, "/v1/admin/circuit-breaker", body, stdout)
}

func runToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv(secretEnv), "HMAC secret shared with rammd")
	subject := fs.String("subject", "", "account address the token authenticates")
	issuer := fs.String("issuer", "", "token issuer")
	audience := fs.String("audience", "", "comma separated audiences")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*subject) {
		return fmt.Errorf("-subject must be a hex address")
	}
	var aud []string
	for _, part := range strings.Split(*audience, ",") {
		if part = strings.TrimSpace(part); part != "" {
			aud = append(aud, part)
		}
	}
	token, err := server.MintToken(server.TokenRequest{
		Secret:   *secret,
		Issuer:   *issuer,
		Audience: aud,
		Subject:  common.HexToAddress(*subject),
		TTL:      *ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
