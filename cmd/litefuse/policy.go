package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/litefuse/litefuse/internal/rlsddl"
)

var (
	policyServerAddr string
	policyCommand    string
	policyRole       string
	policyUsing      string
	policyWithCheck  string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage row-level security policies on a running litefuse server",
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable <table>",
	Short: "Enable row-level security on a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyEnable,
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable <table>",
	Short: "Disable row-level security on a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyDisable,
}

var policyListCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List the policies defined on a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyList,
}

var policyCreateCmd = &cobra.Command{
	Use:   "create <table> <name>",
	Short: "Create a policy on a table",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyCreate,
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply <file.sql>",
	Short: "Parse a policy DDL script and apply it to a running server",
	Long: `Reads a SQL script of ALTER TABLE ... ROW LEVEL SECURITY,
CREATE POLICY, and DROP POLICY statements, and replays it against the
server's policy admin endpoints.`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyApply,
}

var policyDropCmd = &cobra.Command{
	Use:   "drop <table> <name>",
	Short: "Drop a policy from a table",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyDrop,
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyServerAddr, "server", "http://localhost:3000", "litefuse server base URL")

	policyCreateCmd.Flags().StringVar(&policyCommand, "command", "ALL", "SELECT, INSERT, UPDATE, DELETE, or ALL")
	policyCreateCmd.Flags().StringVar(&policyRole, "role", "PUBLIC", "role this policy applies to")
	policyCreateCmd.Flags().StringVar(&policyUsing, "using", "", "USING expression evaluated against existing rows")
	policyCreateCmd.Flags().StringVar(&policyWithCheck, "with-check", "", "WITH CHECK expression evaluated against new/updated rows")

	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyCreateCmd)
	policyCmd.AddCommand(policyDropCmd)
	policyCmd.AddCommand(policyApplyCmd)
}

func policyRequest(method, path string, body any) (map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, policyServerAddr+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

func runPolicyEnable(cmd *cobra.Command, args []string) error {
	out, err := policyRequest(http.MethodPost, "/admin/policies/"+args[0]+"/enable", nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runPolicyDisable(cmd *cobra.Command, args []string) error {
	out, err := policyRequest(http.MethodPost, "/admin/policies/"+args[0]+"/disable", nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	out, err := policyRequest(http.MethodGet, "/admin/policies/"+args[0], nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runPolicyCreate(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"name":       args[1],
		"command":    policyCommand,
		"role":       policyRole,
		"using":      policyUsing,
		"with_check": policyWithCheck,
	}
	out, err := policyRequest(http.MethodPost, "/admin/policies/"+args[0], body)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading policy script: %w", err)
	}
	stmts, err := rlsddl.ParseScript(string(script))
	if err != nil {
		return fmt.Errorf("parsing policy script: %w", err)
	}

	for _, stmt := range stmts {
		if err := applyStatement(stmt); err != nil {
			return err
		}
	}
	fmt.Printf("applied %d statements\n", len(stmts))
	return nil
}

func applyStatement(stmt rlsddl.Statement) error {
	var err error
	switch stmt.Kind {
	case rlsddl.KindEnableRLS:
		_, err = policyRequest(http.MethodPost, "/admin/policies/"+stmt.Table+"/enable", nil)
	case rlsddl.KindDisableRLS:
		_, err = policyRequest(http.MethodPost, "/admin/policies/"+stmt.Table+"/disable", nil)
	case rlsddl.KindCreatePolicy:
		body := map[string]any{
			"name":       stmt.Policy.Name,
			"command":    string(stmt.Policy.Command),
			"role":       stmt.Policy.Role,
			"using":      stmt.Policy.Using,
			"with_check": stmt.Policy.WithCheck,
		}
		_, err = policyRequest(http.MethodPost, "/admin/policies/"+stmt.Table, body)
	case rlsddl.KindDropPolicy:
		_, err = policyRequest(http.MethodDelete, "/admin/policies/"+stmt.Table+"/"+stmt.Name, nil)
	}
	return err
}

func runPolicyDrop(cmd *cobra.Command, args []string) error {
	_, err := policyRequest(http.MethodDelete, "/admin/policies/"+args[0]+"/"+args[1], nil)
	return err
}

func printJSON(v any) error {
	if v == nil {
		return nil
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
