package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	marketd "aimarket/services/marketd"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// call sends a signed request and pretty-prints the JSON response.
func call(method, path string, payload any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}
	endpoint, err := url.JoinPath(apiEndpoint, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" && apiSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		nonce := uuid.NewString()
		sig := marketd.ComputeSignature(apiSecret, timestamp, nonce, method, req.URL.EscapedPath(), body)
		req.Header.Set(marketd.HeaderAPIKey, apiKey)
		req.Header.Set(marketd.HeaderTimestamp, timestamp)
		req.Header.Set(marketd.HeaderNonce, nonce)
		req.Header.Set(marketd.HeaderSignature, hex.EncodeToString(sig))
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func cmdPost(args []string) error {
	fs := newFlagSet("post")
	requester := fs.String("requester", "", "requester address")
	promptRef := fs.String("prompt-ref", "", "content reference of the prompt")
	maxPrice := fs.String("max-price", "", "maximum price in base units")
	model := fs.String("model", "", "model hint")
	maxTokens := fs.Int("max-tokens", 0, "maximum output tokens")
	quality := fs.String("quality", "standard", "quality tier")
	mode := fs.String("mode", "fixed", "payment mode")
	ttl := fs.String("ttl", "", "job expiry horizon, e.g. 2h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requester == "" || *promptRef == "" || *maxPrice == "" {
		return fmt.Errorf("post: --requester, --prompt-ref and --max-price are required")
	}
	return call(http.MethodPost, "/v1/jobs", map[string]any{
		"requester":    *requester,
		"prompt_ref":   *promptRef,
		"max_price":    *maxPrice,
		"model_hint":   *model,
		"max_tokens":   *maxTokens,
		"quality":      *quality,
		"payment_mode": *mode,
		"ttl":          *ttl,
	})
}

func cmdStatus(args []string) error {
	jobID, _, err := jobIDArg("status", args)
	if err != nil {
		return err
	}
	return call(http.MethodGet, "/v1/jobs/"+jobID+"/escrow", nil)
}

func cmdBids(args []string) error {
	jobID, _, err := jobIDArg("bids", args)
	if err != nil {
		return err
	}
	return call(http.MethodGet, "/v1/jobs/"+jobID+"/bids", nil)
}

func cmdBid(args []string) error {
	jobID, rest, err := jobIDArg("bid", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("bid")
	bidder := fs.String("bidder", "", "bidder address")
	price := fs.String("price", "", "bid price in base units")
	model := fs.String("model", "", "model offered")
	hardware := fs.String("hardware", "", "hardware description")
	eta := fs.Int64("eta", 0, "estimated completion time in seconds")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *bidder == "" || *price == "" {
		return fmt.Errorf("bid: --bidder and --price are required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/bids", map[string]any{
		"bidder":           *bidder,
		"price":            *price,
		"model":            *model,
		"hardware":         *hardware,
		"estimated_time_s": *eta,
	})
}

func cmdSelect(args []string) error {
	jobID, _, err := jobIDArg("select", args)
	if err != nil {
		return err
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/select", map[string]any{})
}

func cmdResult(args []string) error {
	jobID, rest, err := jobIDArg("result", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("result")
	bidder := fs.String("bidder", "", "assigned bidder address")
	ref := fs.String("ref", "", "content reference of the result")
	payload := fs.String("payload", "", "inline result payload")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *bidder == "" || *ref == "" {
		return fmt.Errorf("result: --bidder and --ref are required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/result", map[string]any{
		"bidder":     *bidder,
		"result_ref": *ref,
		"payload":    *payload,
	})
}

func cmdApprove(args []string) error {
	jobID, rest, err := jobIDArg("approve", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("approve")
	caller := fs.String("caller", "", "requester address")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *caller == "" {
		return fmt.Errorf("approve: --caller is required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/approve", map[string]any{"caller": *caller})
}

func cmdDispute(args []string) error {
	jobID, rest, err := jobIDArg("dispute", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("dispute")
	caller := fs.String("caller", "", "requester address")
	reason := fs.String("reason", "", "why the result is challenged")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *caller == "" || *reason == "" {
		return fmt.Errorf("dispute: --caller and --reason are required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/dispute", map[string]any{
		"caller": *caller,
		"reason": *reason,
	})
}

func cmdAssignValidator(args []string) error {
	jobID, _, err := jobIDArg("assign-validator", args)
	if err != nil {
		return err
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/validator", map[string]any{})
}

func cmdVerdict(args []string) error {
	jobID, rest, err := jobIDArg("verdict", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("verdict")
	verdict := fs.String("verdict", "", "valid or invalid")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *verdict == "" {
		return fmt.Errorf("verdict: --verdict is required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/verdict", map[string]any{"verdict": *verdict})
}

func cmdCancel(args []string) error {
	jobID, rest, err := jobIDArg("cancel", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("cancel")
	caller := fs.String("caller", "", "requester address")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *caller == "" {
		return fmt.Errorf("cancel: --caller is required")
	}
	return call(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", map[string]any{"caller": *caller})
}

func cmdBalance(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("balance: address required")
	}
	return call(http.MethodGet, "/v1/accounts/"+args[0]+"/balance", nil)
}

func cmdFaucet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("faucet: address and amount required")
	}
	return call(http.MethodPost, "/v1/faucet", map[string]any{
		"address": args[0],
		"amount":  args[1],
	})
}

func cmdRegisterValidator(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("register-validator: address required")
	}
	return call(http.MethodPost, "/v1/validators", map[string]any{"address": args[0]})
}

func cmdReputation(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("reputation: address required")
	}
	return call(http.MethodGet, "/v1/reputation/"+args[0], nil)
}
