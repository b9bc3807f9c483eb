package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// callRPC posts a JSON-RPC request to the configured server, applying the
// auth headers the server expects.
func callRPC(c *cli.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(c.Context, http.MethodPost, c.String("server-url"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey := c.String("api-key"); apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	if secret := c.String("hmac-secret"); secret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(timestamp))
		mac.Write(body)
		req.Header.Set("x-timestamp", timestamp)
		req.Header.Set("x-hmac-signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("server error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// printResult renders the result, optionally through a jq filter.
func printResult(c *cli.Context, result json.RawMessage) error {
	filter := c.String("filter")
	if filter == "" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, result, "", "  "); err != nil {
			fmt.Println(string(result))
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	var value any
	if err := json.Unmarshal(result, &value); err != nil {
		return fmt.Errorf("result is not valid JSON: %w", err)
	}

	iter := code.Run(value)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq filter error: %w", err)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func simpleRPCCommand(name, usage, method string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, method, nil)
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}

func getConfigCommand() *cli.Command {
	return simpleRPCCommand("get-config", "Fetch the server's validation config", "getConfig")
}

func getBlockhashCommand() *cli.Command {
	return simpleRPCCommand("get-blockhash", "Fetch a recent blockhash", "getBlockhash")
}

func getSupportedTokensCommand() *cli.Command {
	return simpleRPCCommand("get-supported-tokens", "List the accepted fee tokens", "getSupportedTokens")
}

func getPayerSignerCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-payer-signer",
		Usage: "Show the signer and payment addresses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "signer-key", Usage: "Signer name or public address"},
		},
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, "getPayerSigner", map[string]any{
				"signer_key": c.String("signer-key"),
			})
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}

func estimateFeeCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate-fee",
		Usage: "Estimate the fee for a base64 transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transaction", Usage: "Base64-encoded transaction", Required: true},
			&cli.StringFlag{Name: "fee-token", Usage: "Mint the fee is quoted in", Required: true},
			&cli.StringFlag{Name: "signer-key", Usage: "Signer name or public address"},
		},
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, "estimateTransactionFee", map[string]any{
				"transaction": c.String("transaction"),
				"fee_token":   c.String("fee-token"),
				"signer_key":  c.String("signer-key"),
			})
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}

func signCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "Co-sign a base64 transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transaction", Usage: "Base64-encoded transaction", Required: true},
			&cli.StringFlag{Name: "signer-key", Usage: "Signer name or public address"},
			&cli.BoolFlag{Name: "sig-verify", Usage: "Verify signatures during simulation"},
		},
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, "signTransaction", map[string]any{
				"transaction": c.String("transaction"),
				"signer_key":  c.String("signer-key"),
				"sig_verify":  c.Bool("sig-verify"),
			})
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}

func signAndSendCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign-and-send",
		Usage: "Co-sign and broadcast a base64 transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transaction", Usage: "Base64-encoded transaction", Required: true},
			&cli.StringFlag{Name: "signer-key", Usage: "Signer name or public address"},
			&cli.BoolFlag{Name: "sig-verify", Usage: "Verify signatures during simulation"},
		},
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, "signAndSendTransaction", map[string]any{
				"transaction": c.String("transaction"),
				"signer_key":  c.String("signer-key"),
				"sig_verify":  c.Bool("sig-verify"),
			})
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Build a transfer transaction with the operator as fee payer",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "amount", Usage: "Amount in the token's smallest units", Required: true},
			&cli.StringFlag{Name: "token", Usage: "Token mint (system program id for SOL)", Required: true},
			&cli.StringFlag{Name: "source", Usage: "Sender wallet address", Required: true},
			&cli.StringFlag{Name: "destination", Usage: "Recipient wallet address", Required: true},
			&cli.StringFlag{Name: "signer-key", Usage: "Signer name or public address"},
		},
		Action: func(c *cli.Context) error {
			result, err := callRPC(c, "transferTransaction", map[string]any{
				"amount":      c.Uint64("amount"),
				"token":       c.String("token"),
				"source":      c.String("source"),
				"destination": c.String("destination"),
				"signer_key":  c.String("signer-key"),
			})
			if err != nil {
				return err
			}
			return printResult(c, result)
		},
	}
}
