package config

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
)

// IndexedAccountPrefix names environment variables of the form
// LINUXDO_ACCOUNT_<n>=user:pass.
const IndexedAccountPrefix = "LINUXDO_ACCOUNT_"

var (
	bulkSeparator   = regexp.MustCompile(`[;\n]+`)
	legacySeparator = regexp.MustCompile(`[&;,\n]+`)
	uaSeparator     = regexp.MustCompile(`\n|\|\|`)
)

// Credential is a username/password pair before per-account options apply.
type Credential struct {
	Username string
	Password string
}

// ResolveCredentials applies the source precedence: indexed variables, then
// the bulk list, then the legacy parallel username/password lists. Duplicate
// usernames are dropped, first occurrence wins.
func ResolveCredentials(environ []string, bulk, usernames, passwords string, logger *zap.Logger) []Credential {
	var creds []Credential
	switch indexed := ParseIndexedAccounts(environ, logger); {
	case len(indexed) > 0:
		creds = indexed
	case strings.TrimSpace(bulk) != "":
		creds = ParseAccountList(bulk, logger)
	default:
		creds = ParseLegacyAccounts(usernames, passwords, logger)
	}
	return dedupe(creds, logger)
}

// ParseAccountList parses "user:pass" entries separated by ';' or newlines.
// Malformed entries are skipped with a warning.
func ParseAccountList(raw string, logger *zap.Logger) []Credential {
	var creds []Credential
	for i, item := range bulkSeparator.Split(raw, -1) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if cred, ok := parseEntry(item, i+1, "LINUXDO_ACCOUNTS", logger); ok {
			creds = append(creds, cred)
		}
	}
	if len(creds) == 0 && strings.TrimSpace(raw) != "" {
		logger.Error("LINUXDO_ACCOUNTS is set but no valid entries found")
	}
	return creds
}

// ParseIndexedAccounts collects LINUXDO_ACCOUNT_<n> variables ordered by n.
func ParseIndexedAccounts(environ []string, logger *zap.Logger) []Credential {
	type indexed struct {
		n     int
		value string
	}
	var entries []indexed
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, IndexedAccountPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, IndexedAccountPrefix))
		if err != nil || n < 0 {
			continue
		}
		entries = append(entries, indexed{n: n, value: strings.TrimSpace(value)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })

	creds := make([]Credential, 0, len(entries))
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		if cred, ok := parseEntry(e.value, e.n, IndexedAccountPrefix+strconv.Itoa(e.n), logger); ok {
			creds = append(creds, cred)
		}
	}
	return creds
}

// ParseLegacyAccounts zips parallel username and password lists. A count
// mismatch yields no accounts.
func ParseLegacyAccounts(usernames, passwords string, logger *zap.Logger) []Credential {
	if strings.TrimSpace(usernames) == "" || strings.TrimSpace(passwords) == "" {
		return nil
	}
	users := splitNonEmpty(legacySeparator, usernames)
	passes := splitNonEmpty(legacySeparator, passwords)
	if len(users) != len(passes) {
		logger.Error("username and password counts differ",
			zap.Int("usernames", len(users)), zap.Int("passwords", len(passes)))
		return nil
	}
	creds := make([]Credential, 0, len(users))
	for i := range users {
		creds = append(creds, Credential{Username: users[i], Password: passes[i]})
	}
	return creds
}

// SplitUserAgents accepts a JSON array or a newline / "||" separated list.
func SplitUserAgents(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var items []any
		if err := json.Unmarshal([]byte(raw), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					s = strings.TrimSpace(jsonString(item))
				}
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return splitNonEmpty(uaSeparator, raw)
}

// AssignUserAgents builds accounts, applying user agents positionally.
// Accounts without a matching entry keep the default user agent.
func AssignUserAgents(creds []Credential, agents []string, browseCap int, logger *zap.Logger) []account.Account {
	logger.Info("user agent overrides detected", zap.Int("count", len(agents)))
	if len(agents) > 0 && len(agents) != len(creds) {
		logger.Warn("LINUXDO_UA count does not match account count; unmatched accounts use the default user agent",
			zap.Int("user_agents", len(agents)), zap.Int("accounts", len(creds)))
	}
	accounts := make([]account.Account, 0, len(creds))
	for i, cred := range creds {
		acct := account.Account{
			Username:  cred.Username,
			Password:  cred.Password,
			BrowseCap: browseCap,
		}
		if i < len(agents) {
			acct.UserAgent = agents[i]
		}
		accounts = append(accounts, acct)
	}
	return accounts
}

func parseEntry(item string, position int, source string, logger *zap.Logger) (Credential, bool) {
	username, password, ok := strings.Cut(item, ":")
	if !ok {
		logger.Warn("account entry missing ':' separator",
			zap.String("source", source), zap.Int("position", position))
		return Credential{}, false
	}
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		logger.Warn("account entry has empty username or password",
			zap.String("source", source), zap.Int("position", position),
			zap.String("account", account.Mask(username)))
		return Credential{}, false
	}
	return Credential{Username: username, Password: password}, true
}

func dedupe(creds []Credential, logger *zap.Logger) []Credential {
	seen := make(map[string]struct{}, len(creds))
	out := make([]Credential, 0, len(creds))
	for _, c := range creds {
		if _, dup := seen[c.Username]; dup {
			logger.Warn("duplicate account ignored", zap.String("account", account.Mask(c.Username)))
			continue
		}
		seen[c.Username] = struct{}{}
		out = append(out, c)
	}
	return out
}

func splitNonEmpty(sep *regexp.Regexp, raw string) []string {
	var out []string
	for _, part := range sep.Split(raw, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
