package identity

import (
	"fmt"
	"sort"
	"strings"

	"ewsdispatch/pkg/models"
)

// StandardKey is the single mapping key used in open mode.
const StandardKey = "STANDARD"

type Mode int

const (
	ModeHardcoded Mode = iota + 1
	ModeOpen
)

func (m Mode) String() string {
	switch m {
	case ModeHardcoded:
		return "hardcoded"
	case ModeOpen:
		return "open"
	default:
		return "unknown"
	}
}

type SenderRecord struct {
	SenderAccount       string `yaml:"sender_account" json:"sender_account"`
	SenderAccountSecret string `yaml:"sender_account_secret" json:"sender_account_secret"`
	RecipientEmail      string `yaml:"recipient_email,omitempty" json:"recipient_email,omitempty"`
}

// Destination is the address the primary message goes to: the record's
// override when set, else the event recipient.
func (r SenderRecord) Destination(event *models.EmailEvent) string {
	if r.RecipientEmail != "" {
		return r.RecipientEmail
	}
	return event.Recipient
}

// Policy selects the sender record for an event. It is built once at
// startup and is read-only afterwards.
type Policy struct {
	mode       Mode
	recipients map[string]SenderRecord
	standard   SenderRecord
}

func NewHardcodedPolicy(mapping map[string]SenderRecord) (*Policy, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("hardcoded recipients mapping is empty")
	}

	recipients := make(map[string]SenderRecord, len(mapping))
	for addr, record := range mapping {
		if addr == StandardKey {
			return nil, fmt.Errorf("hardcoded mapping must not contain the %s key", StandardKey)
		}
		if record.SenderAccount == "" || record.SenderAccountSecret == "" {
			return nil, fmt.Errorf("mapping entry %q: sender_account and sender_account_secret are required", addr)
		}
		if record.RecipientEmail == "" {
			return nil, fmt.Errorf("mapping entry %q: recipient_email is required in hardcoded mode", addr)
		}
		recipients[addr] = record
	}

	return &Policy{mode: ModeHardcoded, recipients: recipients}, nil
}

func NewOpenPolicy(standard SenderRecord) (*Policy, error) {
	if standard.SenderAccount == "" || standard.SenderAccountSecret == "" {
		return nil, fmt.Errorf("%s entry: sender_account and sender_account_secret are required", StandardKey)
	}
	standard.RecipientEmail = ""
	return &Policy{mode: ModeOpen, standard: standard}, nil
}

// NewPolicy picks the variant from the hardcoded flag and checks the mapping
// has the matching shape.
func NewPolicy(hardcoded bool, mapping map[string]SenderRecord) (*Policy, error) {
	if hardcoded {
		return NewHardcodedPolicy(mapping)
	}

	standard, ok := mapping[StandardKey]
	if !ok {
		return nil, fmt.Errorf("open mode requires a %s mapping entry", StandardKey)
	}
	if len(mapping) > 1 {
		return nil, fmt.Errorf("open mode mapping must contain only %s, found %s", StandardKey, strings.Join(keys(mapping), ", "))
	}
	return NewOpenPolicy(standard)
}

func (p *Policy) Mode() Mode {
	return p.mode
}

// Select returns the sender record for recipient. ok is false when a
// hardcoded policy has no entry for it.
func (p *Policy) Select(recipient string) (SenderRecord, bool) {
	if p.mode == ModeOpen {
		return p.standard, true
	}
	record, ok := p.recipients[recipient]
	return record, ok
}

// Accounts lists the distinct sender accounts the policy can select.
func (p *Policy) Accounts() []string {
	if p.mode == ModeOpen {
		return []string{p.standard.SenderAccount}
	}
	seen := make(map[string]struct{}, len(p.recipients))
	for _, r := range p.recipients {
		seen[r.SenderAccount] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func keys(m map[string]SenderRecord) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
