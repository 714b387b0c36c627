package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

var (
	apiEndpoint = defaultEndpoint()
	apiKey      = os.Getenv("MARKET_API_KEY")
	apiSecret   = os.Getenv("MARKET_API_SECRET")
)

func defaultEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("MARKET_API_URL")); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func main() {
	args := os.Args[1:]
	args = applyGlobalFlags(args)
	if len(args) < 1 {
		printUsage()
		return
	}

	var err error
	command := args[0]
	rest := args[1:]
	switch command {
	case "post":
		err = cmdPost(rest)
	case "status":
		err = cmdStatus(rest)
	case "bids":
		err = cmdBids(rest)
	case "bid":
		err = cmdBid(rest)
	case "select":
		err = cmdSelect(rest)
	case "result":
		err = cmdResult(rest)
	case "approve":
		err = cmdApprove(rest)
	case "dispute":
		err = cmdDispute(rest)
	case "assign-validator":
		err = cmdAssignValidator(rest)
	case "verdict":
		err = cmdVerdict(rest)
	case "cancel":
		err = cmdCancel(rest)
	case "balance":
		err = cmdBalance(rest)
	case "faucet":
		err = cmdFaucet(rest)
	case "register-validator":
		err = cmdRegisterValidator(rest)
	case "reputation":
		err = cmdReputation(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// applyGlobalFlags consumes leading --api/--key/--secret flags before the
// subcommand name.
func applyGlobalFlags(args []string) []string {
	for len(args) > 0 {
		switch {
		case args[0] == "--api" && len(args) > 1:
			apiEndpoint = args[1]
			args = args[2:]
		case args[0] == "--key" && len(args) > 1:
			apiKey = args[1]
			args = args[2:]
		case args[0] == "--secret" && len(args) > 1:
			apiSecret = args[1]
			args = args[2:]
		default:
			return args
		}
	}
	return args
}

func printUsage() {
	fmt.Println(`Usage: market-cli [--api URL] [--key KEY --secret SECRET] <command> [args]

Job lifecycle:
  post --requester ADDR --prompt-ref REF --max-price AMOUNT [--model HINT] [--max-tokens N] [--quality TIER] [--mode fixed|auction] [--ttl DUR]
  status <job-id>                     show the escrow for a job
  cancel <job-id> --caller ADDR       refund a job still collecting bids

Bidding:
  bids <job-id>                       list retained bids
  bid <job-id> --bidder ADDR --price AMOUNT [--model M] [--hardware HW] [--eta SECONDS]
  select <job-id>                     close bidding and assign the winner

Results and settlement:
  result <job-id> --bidder ADDR --ref REF [--payload TEXT]
  approve <job-id> --caller ADDR
  dispute <job-id> --caller ADDR --reason TEXT
  assign-validator <job-id>
  verdict <job-id> --verdict valid|invalid

Accounts:
  balance <address>
  faucet <address> <amount>           dev-mode funding
  register-validator <address>
  reputation <address>`)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// jobIDArg pops the required job id from the front of the arguments.
func jobIDArg(name string, args []string) (string, []string, error) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("%s: job id required", name)
	}
	return args[0], args[1:], nil
}
