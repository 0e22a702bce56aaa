package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"deedescrow/crypto"
)

func runKeygen(c *cli, args []string) int {
	fs := newFlagSet("keygen", c.stderr)
	var (
		out   string
		light bool
		use   bool
	)
	fs.StringVar(&out, "out", "escrow.keystore", "keystore file to create")
	fs.BoolVar(&light, "light", false, "use light scrypt parameters (development only)")
	fs.BoolVar(&use, "use", true, "record the keystore in the profile")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printError(c.stderr, "--out is required")
	}
	pass, err := passphrases.Get()
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	strength := crypto.StandardScrypt
	if light {
		strength = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystoreWithStrength(out, key, pass, strength); err != nil {
		return printError(c.stderr, err.Error())
	}
	if use {
		c.profile.Keystore = out
		if err := saveProfile(c.profilePath, c.profile); err != nil {
			return printError(c.stderr, err.Error())
		}
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(c *cli, args []string) int {
	fs := newFlagSet("address", c.stderr)
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	key, err := loadSigner(c.profile.Keystore)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return 0
}

func runProfile(c *cli, args []string) int {
	if len(args) == 0 {
		return printError(c.stderr, "profile requires show or set")
	}
	switch args[0] {
	case "show":
		data, err := yaml.Marshal(c.profile)
		if err != nil {
			return printError(c.stderr, err.Error())
		}
		fmt.Fprintf(c.stdout, "# %s\n%s", c.profilePath, data)
		return 0
	case "set":
		fs := newFlagSet("profile set", c.stderr)
		var rpcURL, keystore string
		fs.StringVar(&rpcURL, "rpc-url", "", "escrow authority base URL")
		fs.StringVar(&keystore, "keystore", "", "keystore file used to sign requests")
		if !parseFlags(fs, args[1:], c.stderr) {
			return 1
		}
		if rpcURL == "" && keystore == "" {
			return printError(c.stderr, "profile set requires --rpc-url or --keystore")
		}
		if rpcURL != "" {
			c.profile.RPCURL = strings.TrimSpace(rpcURL)
		}
		if keystore != "" {
			c.profile.Keystore = strings.TrimSpace(keystore)
		}
		if err := saveProfile(c.profilePath, c.profile); err != nil {
			return printError(c.stderr, err.Error())
		}
		fmt.Fprintf(c.stdout, "Profile saved to %s\n", c.profilePath)
		return 0
	default:
		return printError(c.stderr, fmt.Sprintf("unknown profile subcommand %q", args[0]))
	}
}

func runRoles(c *cli, args []string) int {
	fs := newFlagSet("roles", c.stderr)
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	return c.query("escrow_getRoles", nil)
}

func runList(c *cli, args []string) int {
	fs := newFlagSet("list", c.stderr)
	var (
		asset   uint64
		buyer   string
		price   string
		earnest string
		idem    string
	)
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&price, "price", "", "purchase price")
	fs.StringVar(&earnest, "earnest", "", "required earnest deposit")
	fs.StringVar(&idem, "idempotency-key", "", "optional idempotency key")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	if err := validateAddress("--buyer", buyer); err != nil {
		return printError(c.stderr, err.Error())
	}
	normalizedPrice, err := normalizeAmount("--price", price, true)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	normalizedEarnest, err := normalizeAmount("--earnest", earnest, true)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	params := map[string]interface{}{
		"assetId":       asset,
		"buyer":         strings.TrimSpace(buyer),
		"purchasePrice": normalizedPrice,
		"escrowAmount":  normalizedEarnest,
	}
	return c.mutate("escrow_list", params, idem)
}

func runDeposit(c *cli, args []string) int {
	fs := newFlagSet("deposit", c.stderr)
	var (
		asset  uint64
		amount string
		idem   string
	)
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	fs.StringVar(&amount, "amount", "", "earnest amount")
	fs.StringVar(&idem, "idempotency-key", "", "optional idempotency key")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	normalized, err := normalizeAmount("--amount", amount, false)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.mutate("escrow_depositEarnest", map[string]interface{}{"assetId": asset, "amount": normalized}, idem)
}

func runFund(c *cli, args []string) int {
	fs := newFlagSet("fund", c.stderr)
	var amount, idem string
	fs.StringVar(&amount, "amount", "", "amount sent to the escrow pool")
	fs.StringVar(&idem, "idempotency-key", "", "optional idempotency key")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	normalized, err := normalizeAmount("--amount", amount, false)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.mutate("escrow_receive", map[string]interface{}{"amount": normalized}, idem)
}

func runInspect(c *cli, args []string) int {
	fs := newFlagSet("inspect", c.stderr)
	var (
		asset  uint64
		passed bool
	)
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	fs.BoolVar(&passed, "passed", false, "whether the inspection passed")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	return c.mutate("escrow_updateInspection", map[string]interface{}{"assetId": asset, "passed": passed}, "")
}

func runApprove(c *cli, args []string) int {
	fs := newFlagSet("approve", c.stderr)
	var asset uint64
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	return c.mutate("escrow_approveSale", map[string]interface{}{"assetId": asset}, "")
}

func runFinalize(c *cli, args []string) int {
	fs := newFlagSet("finalize", c.stderr)
	var (
		asset uint64
		idem  string
	)
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	fs.StringVar(&idem, "idempotency-key", "", "optional idempotency key")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	return c.mutate("escrow_finalizeSale", map[string]interface{}{"assetId": asset}, idem)
}

func runListing(c *cli, args []string) int {
	fs := newFlagSet("listing", c.stderr)
	var asset uint64
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	return c.query("escrow_getListing", map[string]interface{}{"assetId": asset})
}

func runListings(c *cli, args []string) int {
	fs := newFlagSet("listings", c.stderr)
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	return c.query("escrow_listListings", nil)
}

func runApproval(c *cli, args []string) int {
	fs := newFlagSet("approval", c.stderr)
	var (
		asset   uint64
		address string
	)
	fs.Uint64Var(&asset, "asset", 0, "deed token id")
	fs.StringVar(&address, "address", "", "approver address")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if asset == 0 {
		return printError(c.stderr, "--asset is required")
	}
	if err := validateAddress("--address", address); err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.query("escrow_getApproval", map[string]interface{}{"assetId": asset, "address": strings.TrimSpace(address)})
}

func runBalance(c *cli, args []string) int {
	fs := newFlagSet("balance", c.stderr)
	var address string
	fs.StringVar(&address, "address", "", "account address; omit for the escrow pool")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if strings.TrimSpace(address) == "" {
		return c.query("escrow_getBalance", nil)
	}
	if err := validateAddress("--address", address); err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.query("bank_getBalance", map[string]interface{}{"address": strings.TrimSpace(address)})
}

func runTransfer(c *cli, args []string) int {
	fs := newFlagSet("transfer", c.stderr)
	var to, amount, idem string
	fs.StringVar(&to, "to", "", "recipient address")
	fs.StringVar(&amount, "amount", "", "amount to transfer")
	fs.StringVar(&idem, "idempotency-key", "", "optional idempotency key")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if err := validateAddress("--to", to); err != nil {
		return printError(c.stderr, err.Error())
	}
	normalized, err := normalizeAmount("--amount", amount, false)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.mutate("bank_transfer", map[string]interface{}{"to": strings.TrimSpace(to), "amount": normalized}, idem)
}

func runDeedApprove(c *cli, args []string) int {
	fs := newFlagSet("deed-approve", c.stderr)
	var (
		token    uint64
		operator string
	)
	fs.Uint64Var(&token, "token", 0, "deed token id")
	fs.StringVar(&operator, "operator", "", "operator address (usually the escrow authority)")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if token == 0 {
		return printError(c.stderr, "--token is required")
	}
	if err := validateAddress("--operator", operator); err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.mutate("deed_approve", map[string]interface{}{"tokenId": token, "operator": strings.TrimSpace(operator)}, "")
}

func runOwner(c *cli, args []string) int {
	fs := newFlagSet("owner", c.stderr)
	var token uint64
	fs.Uint64Var(&token, "token", 0, "deed token id")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if token == 0 {
		return printError(c.stderr, "--token is required")
	}
	return c.query("deed_ownerOf", map[string]interface{}{"tokenId": token})
}

func runEvents(c *cli, args []string) int {
	fs := newFlagSet("events", c.stderr)
	var since int64
	fs.Int64Var(&since, "since", 0, "return events after this sequence number")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if since < 0 {
		return printError(c.stderr, "--since must not be negative")
	}
	return c.query("escrow_events", map[string]interface{}{"since": since})
}

func runAudit(c *cli, args []string) int {
	fs := newFlagSet("audit", c.stderr)
	var (
		method string
		limit  int
	)
	fs.StringVar(&method, "method", "", "filter by JSON-RPC method")
	fs.IntVar(&limit, "limit", 50, "maximum rows to return")
	if !parseFlags(fs, args, c.stderr) {
		return 1
	}
	if limit <= 0 {
		return printError(c.stderr, "--limit must be positive")
	}
	params := map[string]interface{}{"limit": limit}
	if strings.TrimSpace(method) != "" {
		params["method"] = strings.TrimSpace(method)
	}
	return c.query("escrow_audit", params)
}

func (c *cli) query(method string, params interface{}) int {
	return c.finish(rpcCall(rpcRequest{Endpoint: c.endpoint, Method: method, Params: params}))
}

func (c *cli) mutate(method string, params interface{}, idempotencyKey string) int {
	key, err := loadSigner(c.profile.Keystore)
	if err != nil {
		return printError(c.stderr, err.Error())
	}
	return c.finish(rpcCall(rpcRequest{
		Endpoint:       c.endpoint,
		Method:         method,
		Params:         params,
		Signer:         key,
		IdempotencyKey: idempotencyKey,
	}))
}

func (c *cli) finish(result json.RawMessage, rpcErr *rpcError, err error) int {
	if err != nil {
		return handleRPCCallError(c.stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(c.stderr, rpcErr)
	}
	writeRPCResult(c.stdout, result)
	return 0
}

func validateAddress(flagName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParseAddress(trimmed); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

// normalizeAmount accepts base-10 integers with optional underscores.
func normalizeAmount(flagName, value string, allowZero bool) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", fmt.Errorf("%s must not be negative", flagName)
	}
	trimmed = strings.TrimPrefix(trimmed, "+")
	if !isDigits(trimmed) || trimmed == "" {
		return "", fmt.Errorf("%s must be a base-10 integer", flagName)
	}
	trimmed = strings.TrimLeft(trimmed, "0")
	if trimmed == "" {
		if !allowZero {
			return "", fmt.Errorf("%s must be positive", flagName)
		}
		trimmed = "0"
	}
	return trimmed, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
