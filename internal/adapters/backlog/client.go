package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/logging"
)

// Compile-time interface conformance check.
var _ core.BacklogClient = (*Client)(nil)

const (
	// readyLabel marks issues eligible for autonomous processing.
	defaultReadyLabel = "ready"
	// claimLabel marks issues currently owned by a run.
	defaultClaimLabel = "in-progress"
)

// Client implements core.BacklogClient on top of the gh CLI. Items are
// open issues of a single repository; dependency edges live in the issue
// body as "Blocked by: #N" and "Parent: #N" lines.
type Client struct {
	runner     CommandRunner
	repo       string
	readyLabel string
	claimLabel string
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the command runner (used by tests).
func WithRunner(r CommandRunner) Option {
	return func(c *Client) { c.runner = r }
}

// WithReadyLabel overrides the label that marks processable issues.
func WithReadyLabel(label string) Option {
	return func(c *Client) { c.readyLabel = label }
}

// WithClaimLabel overrides the label that marks claimed issues.
func WithClaimLabel(label string) Option {
	return func(c *Client) { c.claimLabel = label }
}

// NewClient creates a backlog client for owner/repo.
func NewClient(repo string, logger *logging.Logger, opts ...Option) (*Client, error) {
	if repo == "" {
		return nil, fmt.Errorf("backlog repository is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		runner:     NewExecRunner(),
		repo:       repo,
		readyLabel: defaultReadyLabel,
		claimLabel: defaultClaimLabel,
		logger:     logger.WithComponent("backlog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runner.Run(ctx, "gh", args...)
}

// issueJSON mirrors the fields requested from `gh issue list/view --json`.
type issueJSON struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ListReady returns unclaimed ready issues with no open blockers, highest
// priority first, oldest first within a priority.
func (c *Client) ListReady(ctx context.Context) ([]*core.Item, error) {
	output, err := c.run(ctx, "issue", "list",
		"--repo", c.repo,
		"--state", "open",
		"--label", c.readyLabel,
		"--limit", "100",
		"--json", "number,title,body,state,labels,createdAt")
	if err != nil {
		return nil, fmt.Errorf("listing ready items: %w", err)
	}

	var raw []issueJSON
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}

	items := make([]*core.Item, 0, len(raw))
	for _, iss := range raw {
		if hasLabel(iss, c.claimLabel) {
			continue
		}
		item := issueToItem(iss)
		if blocked, err := c.hasOpenBlockers(ctx, item); err != nil {
			c.logger.Warn("could not resolve blockers, skipping item",
				"item_id", item.ID, "error", err)
			continue
		} else if blocked {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// GetWithDependencies returns one item including its dependency edges.
func (c *Client) GetWithDependencies(ctx context.Context, id core.ItemID) (*core.Item, error) {
	number, err := itemNumber(id)
	if err != nil {
		return nil, err
	}
	output, err := c.run(ctx, "issue", "view", strconv.Itoa(number),
		"--repo", c.repo,
		"--json", "number,title,body,state,labels,createdAt")
	if err != nil {
		return nil, core.ErrClaim(string(id), "item not found").WithCause(err)
	}

	var iss issueJSON
	if err := json.Unmarshal([]byte(output), &iss); err != nil {
		return nil, fmt.Errorf("parsing issue #%d: %w", number, err)
	}
	return issueToItem(iss), nil
}

// Claim marks the issue as owned by this run. The claim label doubles as
// the ownership marker: an issue that already carries it belongs to
// another worker and the claim fails without side effects.
func (c *Client) Claim(ctx context.Context, id core.ItemID) error {
	number, err := itemNumber(id)
	if err != nil {
		return err
	}

	output, err := c.run(ctx, "issue", "view", strconv.Itoa(number),
		"--repo", c.repo, "--json", "state,labels")
	if err != nil {
		return core.ErrClaim(string(id), "checking claim state").WithCause(err)
	}
	var iss issueJSON
	if err := json.Unmarshal([]byte(output), &iss); err != nil {
		return fmt.Errorf("parsing issue #%d: %w", number, err)
	}
	if strings.ToLower(iss.State) != "open" {
		return core.ErrClaim(string(id), "item is not open")
	}
	if hasLabel(iss, c.claimLabel) {
		return core.ErrClaim(string(id), "item already claimed")
	}

	if _, err := c.run(ctx, "issue", "edit", strconv.Itoa(number),
		"--repo", c.repo,
		"--add-label", c.claimLabel); err != nil {
		return core.ErrClaim(string(id), "applying claim label").WithCause(err)
	}
	c.logger.Debug("item claimed", "item_id", id)
	return nil
}

// Close closes the issue with a resolution note and drops the claim label.
func (c *Client) Close(ctx context.Context, id core.ItemID, note string) error {
	number, err := itemNumber(id)
	if err != nil {
		return err
	}
	args := []string{"issue", "close", strconv.Itoa(number), "--repo", c.repo}
	if note != "" {
		args = append(args, "--comment", note)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("closing item %s: %w", id, err)
	}
	// Label removal is cosmetic on a closed issue.
	_, _ = c.run(ctx, "issue", "edit", strconv.Itoa(number),
		"--repo", c.repo, "--remove-label", c.claimLabel)
	return nil
}

// AddComment attaches free-text progress information to the issue.
func (c *Client) AddComment(ctx context.Context, id core.ItemID, text string) error {
	number, err := itemNumber(id)
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, "issue", "comment", strconv.Itoa(number),
		"--repo", c.repo, "--body", text); err != nil {
		return fmt.Errorf("commenting on item %s: %w", id, err)
	}
	return nil
}

// Release drops the claim label so another run can pick the item up.
func (c *Client) Release(ctx context.Context, id core.ItemID) error {
	number, err := itemNumber(id)
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, "issue", "edit", strconv.Itoa(number),
		"--repo", c.repo, "--remove-label", c.claimLabel); err != nil {
		return fmt.Errorf("releasing item %s: %w", id, err)
	}
	return nil
}

// OpenChildren returns the still-open issues declaring id as parent.
func (c *Client) OpenChildren(ctx context.Context, id core.ItemID) ([]core.ItemID, error) {
	number, err := itemNumber(id)
	if err != nil {
		return nil, err
	}
	output, err := c.run(ctx, "issue", "list",
		"--repo", c.repo,
		"--state", "open",
		"--search", fmt.Sprintf(`"Parent: #%d" in:body`, number),
		"--json", "number,body")
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", id, err)
	}

	var raw []issueJSON
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, fmt.Errorf("parsing child list: %w", err)
	}

	// Text search is fuzzy; confirm the edge by parsing the body.
	var children []core.ItemID
	for _, iss := range raw {
		if m := parentRe.FindStringSubmatch(iss.Body); m != nil && m[1] == strconv.Itoa(number) {
			children = append(children, core.ItemID(strconv.Itoa(iss.Number)))
		}
	}
	return children, nil
}

// hasOpenBlockers checks every "Blocked by" edge against the tracker.
func (c *Client) hasOpenBlockers(ctx context.Context, item *core.Item) (bool, error) {
	for _, blocker := range item.Blockers() {
		number, err := itemNumber(blocker)
		if err != nil {
			return false, err
		}
		output, err := c.run(ctx, "issue", "view", strconv.Itoa(number),
			"--repo", c.repo, "--json", "state")
		if err != nil {
			return false, err
		}
		var iss issueJSON
		if err := json.Unmarshal([]byte(output), &iss); err != nil {
			return false, err
		}
		if strings.ToLower(iss.State) == "open" {
			return true, nil
		}
	}
	return false, nil
}

var (
	blockedByRe = regexp.MustCompile(`(?im)^blocked[- ]by:\s*#?(\d+)\s*$`)
	parentRe    = regexp.MustCompile(`(?im)^parent:\s*#?(\d+)\s*$`)
	priorityRe  = regexp.MustCompile(`^(?:priority[:/]|p)(\d)$`)
)

func issueToItem(iss issueJSON) *core.Item {
	item := &core.Item{
		ID:          core.ItemID(strconv.Itoa(iss.Number)),
		Title:       iss.Title,
		Description: iss.Body,
		Priority:    parsePriority(iss),
		Type:        parseType(iss),
		CreatedAt:   iss.CreatedAt,
	}
	for _, m := range blockedByRe.FindAllStringSubmatch(iss.Body, -1) {
		item.Dependencies = append(item.Dependencies, core.Dependency{
			Kind: core.DepBlocks, Target: core.ItemID(m[1]),
		})
	}
	if m := parentRe.FindStringSubmatch(iss.Body); m != nil {
		item.Dependencies = append(item.Dependencies, core.Dependency{
			Kind: core.DepParent, Target: core.ItemID(m[1]),
		})
	}
	return item
}

// parsePriority reads a priority label ("p1", "priority:2"). Unlabeled
// issues sort after everything explicitly prioritized.
func parsePriority(iss issueJSON) int {
	for _, l := range iss.Labels {
		if m := priorityRe.FindStringSubmatch(strings.ToLower(l.Name)); m != nil {
			p, _ := strconv.Atoi(m[1])
			return p
		}
	}
	return 9
}

func parseType(iss issueJSON) string {
	for _, l := range iss.Labels {
		switch name := strings.ToLower(l.Name); name {
		case "bug", "feature", "chore", "task":
			return name
		}
	}
	return "task"
}

func hasLabel(iss issueJSON, label string) bool {
	for _, l := range iss.Labels {
		if strings.EqualFold(l.Name, label) {
			return true
		}
	}
	return false
}

func itemNumber(id core.ItemID) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(string(id), "#"))
	if err != nil {
		return 0, fmt.Errorf("invalid item id %q: %w", id, err)
	}
	return n, nil
}
