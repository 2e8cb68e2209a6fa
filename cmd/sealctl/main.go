package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/org/sealaudit/internal/crypto"
)

var rootCmd = &cobra.Command{
	Use:   "sealctl",
	Short: "sealaudit CLI",
	Long:  "A CLI for session keys, report access policies, sealed reports and audit records.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this (dotted) field, with --format=raw")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(eventsCmd())
}

// run calls fn and prints its result or error. Errors are printed, not
// returned, so cobra does not also print usage.
func run(fn func(c *Client) (map[string]any, error)) error {
	result, err := fn(newClient())
	if err != nil {
		printError(err.Error())
		return nil
	}
	printResult(result)
	return nil
}

// --- session ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Create a session key and authorize it with the wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetInt("ttl")
			if v, _ := cmd.Flags().GetString("package"); v != "" {
				cfg.PackageID = v
			}
			priv, err := wallet()
			if err != nil {
				printError(err.Error())
				return nil
			}
			addr := crypto.Address(crypto.FlagEd25519, []byte(priv.Public().(ed25519.PublicKey)))

			client := newClient()
			body := map[string]any{"address": addr, "packageId": cfg.PackageID}
			if ttl > 0 {
				body["ttlMin"] = ttl
			}
			created, err := client.post("/session-key", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			message, _ := created["message"].(string)
			sig := crypto.SignPersonalMessage(priv, []byte(message))
			if _, err := client.post("/session-key/signature", map[string]any{
				"address": addr, "packageId": cfg.PackageID, "signature": sig,
			}); err != nil {
				printError(err.Error())
				return nil
			}

			expires, _ := time.Parse(time.RFC3339Nano, fmt.Sprint(created["expiresAt"]))
			cfg.Session = SessionConfig{
				PublicKey: fmt.Sprint(created["publicKey"]),
				Message:   message,
				Signature: sig,
				ExpiresAt: expires,
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Fprintln(os.Stderr, "Session saved to config.")
			printResult(map[string]any{
				"address":    addr,
				"public_key": cfg.Session.PublicKey,
				"expires_at": cfg.Session.ExpiresAt,
			})
			return nil
		},
	}
	cmd.Flags().Int("ttl", 0, "Session lifetime in minutes (server default when 0)")
	cmd.Flags().String("package", "", "Package id the session is scoped to")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/sys/health") })
		},
	}
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage report access policies"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy owned by the logged-in wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			reportID, _ := cmd.Flags().GetString("report-id")
			auditRef, _ := cmd.Flags().GetString("audit-ref")
			readers, _ := cmd.Flags().GetStringSlice("reader")
			auditors, _ := cmd.Flags().GetStringSlice("auditor")
			expires, _ := cmd.Flags().GetDuration("expires-in")
			body := map[string]any{
				"report_id":        reportID,
				"audit_record_ref": auditRef,
				"readers":          readers,
				"auditors":         auditors,
			}
			if expires > 0 {
				body["expires_at"] = time.Now().UTC().Add(expires)
			}
			return run(func(c *Client) (map[string]any, error) { return c.post("/v1/policies", body) })
		},
	}
	createCmd.Flags().String("report-id", "", "Report id (decimal or 0x hex)")
	createCmd.Flags().String("audit-ref", "", "Audit record the report belongs to")
	createCmd.Flags().StringSlice("reader", nil, "Reader address (repeatable)")
	createCmd.Flags().StringSlice("auditor", nil, "Auditor address (repeatable)")
	createCmd.Flags().Duration("expires-in", 0, "Policy lifetime (no expiry when 0)")

	getCmd := &cobra.Command{
		Use:   "get <policy-id>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/policies/" + args[0]) })
		},
	}

	grantCmd := &cobra.Command{
		Use:   "grant <policy-id> <recipient>",
		Short: "Grant an access token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			transferable, _ := cmd.Flags().GetBool("transferable")
			expires, _ := cmd.Flags().GetDuration("expires-in")
			body := map[string]any{
				"recipient":    args[1],
				"access_kind":  kind,
				"transferable": transferable,
			}
			if expires > 0 {
				body["expires_at"] = time.Now().UTC().Add(expires)
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/policies/"+args[0]+"/tokens", body)
			})
		},
	}
	grantCmd.Flags().String("kind", "read", "Access kind: read, audit, admin")
	grantCmd.Flags().Bool("transferable", false, "Allow the holder to transfer the token")
	grantCmd.Flags().Duration("expires-in", 0, "Token lifetime (no expiry when 0)")

	tokensCmd := &cobra.Command{
		Use:   "tokens <policy-id>",
		Short: "List tokens granted on a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/policies/" + args[0] + "/tokens") })
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <policy-id>",
		Short: "Permanently revoke a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if _, err := newClient().post("/v1/policies/"+args[0]+"/revoke", map[string]any{"reason": reason}); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Policy revoked: " + args[0])
			return nil
		},
	}
	revokeCmd.Flags().String("reason", "", "Revocation reason")

	removeCmd := &cobra.Command{
		Use:   "remove <policy-id> <address>",
		Short: "Remove an address from a membership set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			if _, err := newClient().post("/v1/policies/"+args[0]+"/remove-access", map[string]any{
				"address": args[1], "access_kind": kind,
			}); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Access removed: " + args[1])
			return nil
		},
	}
	removeCmd.Flags().String("kind", "read", "Access kind: read, audit, admin")

	checkCmd := &cobra.Command{
		Use:   "check <policy-id>",
		Short: "Check whether the logged-in wallet may access a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			token, _ := cmd.Flags().GetString("token")
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/policies/"+args[0]+"/check", map[string]any{"access_kind": kind, "token_id": token})
			})
		},
	}
	checkCmd.Flags().String("kind", "read", "Access kind: read, audit, admin")
	checkCmd.Flags().String("token", "", "Token to present")

	logCmd := &cobra.Command{
		Use:   "log <policy-id>",
		Short: "Show the access log of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return run(func(c *Client) (map[string]any, error) {
				return c.get("/v1/policies/" + args[0] + "/access-log?limit=" + strconv.Itoa(limit))
			})
		},
	}
	logCmd.Flags().Int("limit", 100, "Maximum records")

	cmd.AddCommand(createCmd, getCmd, grantCmd, tokensCmd, revokeCmd, removeCmd, checkCmd, logCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage access tokens"}

	getCmd := &cobra.Command{
		Use:   "get <token-id>",
		Short: "Read a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/tokens/" + args[0]) })
		},
	}

	transferCmd := &cobra.Command{
		Use:   "transfer <token-id> <recipient>",
		Short: "Transfer a token you hold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/tokens/"+args[0]+"/transfer", map[string]any{"recipient": args[1]})
			})
		},
	}

	burnCmd := &cobra.Command{
		Use:   "burn <token-id>",
		Short: "Burn an expired token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().post("/v1/tokens/"+args[0]+"/burn", nil); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token burned: " + args[0])
			return nil
		},
	}

	cmd.AddCommand(getCmd, transferCmd, burnCmd)
	return cmd
}

// --- report ---

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Seal and open audit reports"}

	encryptCmd := &cobra.Command{
		Use:   "encrypt <policy-id> <file>",
		Short: "Seal a report under a policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading report: %w", err)
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/reports/encrypt", map[string]any{"policy_id": args[0], "report": string(data)})
			})
		},
	}

	decryptCmd := &cobra.Command{
		Use:   "decrypt <policy-id> <report-id> <encrypted-file>",
		Short: "Open a sealed report with the current session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			accessType, _ := cmd.Flags().GetString("access-type")
			token, _ := cmd.Flags().GetString("token")
			data, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("reading encrypted report: %w", err)
			}
			priv, err := wallet()
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := newClient().post("/decrypt", map[string]any{
				"encryptedData":    strings.TrimSpace(string(data)),
				"reportId":         args[1],
				"requesterAddress": crypto.Address(crypto.FlagEd25519, []byte(priv.Public().(ed25519.PublicKey))),
				"objectId":         args[0],
				"accessType":       accessType,
				"tokenId":          token,
				"sessionKey": map[string]any{
					"publicKey": cfg.Session.PublicKey,
					"signature": cfg.Session.Signature,
					"expiresAt": cfg.Session.ExpiresAt,
					"message":   cfg.Session.Message,
				},
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Print(result["report"])
			return nil
		},
	}
	decryptCmd.Flags().String("access-type", "read", "Access kind to exercise")
	decryptCmd.Flags().String("token", "", "Token to present")

	cmd.AddCommand(encryptCmd, decryptCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit ledger commands"}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the audit ledger configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/audit/config") })
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit <result-file>",
		Short: "Submit a challenge-response result as the logged-in auditor",
		Long: "The result file is JSON with blob_ref, blob_object_ref, challenge_epoch, total_challenges, " +
			"successful_verifications, integrity_hash (hex), pqc_signature (hex) and pqc_algorithm.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading result: %w", err)
			}
			body, err := auditSubmission(data)
			if err != nil {
				return err
			}
			return run(func(c *Client) (map[string]any, error) { return c.post("/v1/audit/records", body) })
		},
	}

	recordCmd := &cobra.Command{
		Use:   "record <record-id>",
		Short: "Read an audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/audit/records/" + args[0]) })
		},
	}

	blobCmd := &cobra.Command{
		Use:   "blob <blob-id>",
		Short: "Show the audit history of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/audit/blobs/" + args[0]) })
		},
	}

	authorizeCmd := &cobra.Command{
		Use:   "authorize <address>",
		Short: "Authorize (or with --revoke, deauthorize) an auditor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revoke, _ := cmd.Flags().GetBool("revoke")
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/audit/auditors", map[string]any{"address": args[0], "authorized": !revoke})
			})
		},
	}
	authorizeCmd.Flags().Bool("revoke", false, "Deauthorize instead")

	boundsCmd := &cobra.Command{
		Use:   "bounds <min> <max>",
		Short: "Set the allowed challenge count range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lo, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("min: %w", err)
			}
			hi, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("max: %w", err)
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/audit/challenge-bounds", map[string]any{"min_challenges": lo, "max_challenges": hi})
			})
		},
	}

	requestLogCmd := &cobra.Command{
		Use:   "request-log",
		Short: "Show the API request log (audit admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")
			q := "/v1/sys/request-log?limit=" + strconv.Itoa(limit)
			if path != "" {
				q += "&path=" + path
			}
			return run(func(c *Client) (map[string]any, error) { return c.get(q) })
		},
	}
	requestLogCmd.Flags().String("path", "", "Only entries under this path")
	requestLogCmd.Flags().Int("limit", 100, "Maximum entries")

	cmd.AddCommand(configCmd, submitCmd, recordCmd, blobCmd, authorizeCmd, boundsCmd, requestLogCmd)
	return cmd
}

// auditSubmission converts the hex byte fields of a result file into the
// API's base64 form.
func auditSubmission(data []byte) (map[string]any, error) {
	var in struct {
		BlobRef                 string `json:"blob_ref"`
		BlobObjectRef           string `json:"blob_object_ref"`
		ChallengeEpoch          uint32 `json:"challenge_epoch"`
		TotalChallenges         uint16 `json:"total_challenges"`
		SuccessfulVerifications uint16 `json:"successful_verifications"`
		IntegrityHash           string `json:"integrity_hash"`
		PQCSignature            string `json:"pqc_signature"`
		PQCAlgorithm            uint8  `json:"pqc_algorithm"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	hash, err := hex.DecodeString(strings.TrimPrefix(in.IntegrityHash, "0x"))
	if err != nil {
		return nil, fmt.Errorf("integrity_hash: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(in.PQCSignature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("pqc_signature: %w", err)
	}
	return map[string]any{
		"blob_ref":                 in.BlobRef,
		"blob_object_ref":          in.BlobObjectRef,
		"challenge_epoch":          in.ChallengeEpoch,
		"total_challenges":         in.TotalChallenges,
		"successful_verifications": in.SuccessfulVerifications,
		"integrity_hash":           hash,
		"pqc_signature":            sig,
		"pqc_algorithm":            in.PQCAlgorithm,
	}, nil
}

// --- events ---

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream service events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c := newClient()
			url := "ws" + strings.TrimPrefix(c.addr, "http") + "/v1/events"
			// websocket.Dial refuses clients with a Timeout.
			hc := *c.http
			hc.Timeout = 0
			conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: &hc})
			if err != nil {
				printError(err.Error())
				return nil
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			for {
				var evt map[string]any
				if err := wsjson.Read(ctx, conn, &evt); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					printError(err.Error())
					return nil
				}
				printResult(evt)
			}
		},
	}
}
