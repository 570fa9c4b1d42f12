// Package imapoll implements the optional IMAP fallback poll loop: when a
// bounce never reaches the local delivery hook or an observer/journal log
// line (third-party hosted mailboxes, roaming relays with no log access),
// this polls a mailbox directly for unseen bounce mail.
//
// One poll iteration opens a session, searches for unseen (optionally
// SINCE-bounded) messages, fetches them in one batched UID FETCH, processes
// each with bounded concurrency, and marks a subset seen depending on how
// each message resolved.
package imapoll

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nxmango/bouncer/internal/bounce"
	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/metrics"
	"github.com/nxmango/bouncer/internal/proto"
	"github.com/nxmango/bouncer/internal/resilience"
	"github.com/nxmango/bouncer/internal/store"
)

const processConcurrencyMax = 16

var monthAbbrev = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// Poller owns the optional IMAP fallback loop. A single polling goroutine
// owns the IMAP session at any moment; it is never shared.
type Poller struct {
	Cfg config.IMAPPollConfig
	DB  *store.DB
	Log *slog.Logger

	breaker *resilience.CircuitBreaker
}

// New builds a Poller. Call Run in its own goroutine; Run is a no-op if the
// config doesn't enable IMAP polling.
func New(cfg config.IMAPPollConfig, db *store.DB, log *slog.Logger) *Poller {
	return &Poller{
		Cfg:     cfg,
		DB:      db,
		Log:     log,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultConfig("imap:" + cfg.Host)),
	}
}

// Run drives the poll loop until ctx is canceled. Disabled configs return
// immediately after logging why.
func (p *Poller) Run(ctx context.Context) error {
	if !p.Cfg.Enabled() {
		p.Log.Info("imap fallback disabled (host/user/pass missing)")
		return nil
	}

	pollSecs := p.Cfg.PollSecs
	if pollSecs < 5 {
		pollSecs = 5
	}
	maxMessages := p.Cfg.MaxMessagesPerPoll
	if maxMessages < 1 {
		maxMessages = 1
	}

	p.Log.Info("imap fallback loop enabled",
		"host", p.Cfg.Host, "mailbox", p.Cfg.Mailbox, "poll_secs", pollSecs,
		"connect_timeout_secs", p.Cfg.ConnectTimeoutSecs, "max_messages_per_poll", maxMessages,
		"max_history", p.Cfg.MaxHistory, "mark_seen_if_not_exist", p.Cfg.MarkSeenIfNotExist)

	ticker := time.NewTicker(time.Duration(pollSecs) * time.Second)
	defer ticker.Stop()

	if err := p.pollOnce(ctx); err != nil {
		p.Log.Warn("imap poll iteration failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.Log.Info("imap poll loop stopping")
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.Log.Warn("imap poll iteration failed", "error", err)
			}
		}
	}
}

// pollOnce executes exactly one poll iteration per §4.7.
func (p *Poller) pollOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.IMAPPollDuration.Observe(time.Since(start).Seconds()) }()

	client, err := p.openSession(ctx)
	if err != nil {
		return fmt.Errorf("imapoll: open session: %w", err)
	}
	defer func() {
		_ = client.Logout().Wait()
		client.Close()
	}()

	maxMessages := p.Cfg.MaxMessagesPerPoll
	if maxMessages < 1 {
		maxMessages = 1
	}

	uids, searchQuery, err := p.searchUnseen(ctx, client)
	if err != nil {
		return fmt.Errorf("imapoll: uid search: %w", err)
	}
	unseenTotal := len(uids)

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > maxMessages {
		uids = uids[:maxMessages]
	}
	selectedTotal := len(uids)

	p.Log.Debug("imap unseen selected",
		"unseen_total", unseenTotal, "selected", selectedTotal, "max_messages_per_poll", maxMessages,
		"search_query", searchQuery)

	if selectedTotal == 0 {
		return nil
	}

	items := p.batchFetch(client, uids)
	fetchFailures := selectedTotal - len(items)

	if len(items) == 0 {
		p.Log.Warn("imap batch fetch returned no messages, retrying per-uid fetch", "selected", selectedTotal)
		for _, uid := range uids {
			raw, ferr := p.fetchOne(client, uid)
			if ferr != nil || raw == nil {
				fetchFailures++
				p.Log.Warn("imap per-uid fetch failed", "uid", uint32(uid), "error", ferr)
				continue
			}
			items = append(items, fetchedItem{uid: uid, raw: raw})
		}
	}

	concurrency := maxMessages
	if concurrency > processConcurrencyMax {
		concurrency = processConcurrencyMax
	}
	outcomes := p.processAll(ctx, items, concurrency)

	var seenUIDs []imap.UID
	var processedCount, missingInDB, ignoredNotDelivery, ignoredMissingHash, parseFailures, dbFailures int

	for _, oc := range outcomes {
		metrics.IMAPMessagesProcessed.WithLabelValues(oc.kind).Inc()
		switch oc.kind {
		case "processed":
			processedCount++
			seenUIDs = append(seenUIDs, oc.uid)
		case "missing_in_db":
			missingInDB++
			if oc.markSeen {
				seenUIDs = append(seenUIDs, oc.uid)
			}
			p.Log.Warn("imap message hash not found in db",
				"error_code", "IMAP_HASH_NOT_FOUND_IN_DB", "uid", uint32(oc.uid), "hash", oc.hash,
				"mark_seen_if_not_exist", p.Cfg.MarkSeenIfNotExist)
		case "ignored_not_delivery":
			ignoredNotDelivery++
			seenUIDs = append(seenUIDs, oc.uid)
			p.Log.Warn("imap message discarded and marked seen",
				"error_code", "IMAP_DISCARDED_NOT_DELIVERY", "uid", uint32(oc.uid))
		case "ignored_missing_hash":
			ignoredMissingHash++
			seenUIDs = append(seenUIDs, oc.uid)
			p.Log.Warn("imap message discarded and marked seen",
				"error_code", "IMAP_DISCARDED_MISSING_HASH", "uid", uint32(oc.uid))
		case "parse_failed":
			parseFailures++
			p.Log.Warn("imap message parse failed",
				"error_code", "IMAP_PARSE_FAILED", "uid", uint32(oc.uid), "error", oc.message)
		case "db_failed":
			dbFailures++
			p.Log.Warn("imap message db upsert failed",
				"error_code", "IMAP_DB_UPSERT_FAILED", "uid", uint32(oc.uid), "hash", oc.hash, "error", oc.message)
		}
	}

	if len(seenUIDs) > 0 {
		if err := p.markSeen(client, seenUIDs); err != nil {
			return fmt.Errorf("imapoll: mark seen: %w", err)
		}
	}

	if selectedTotal > 0 && len(items) == 0 {
		p.Log.Warn("imap poll selected messages but fetch returned none", "selected", selectedTotal)
	}

	p.Log.Info("imap poll processed",
		"selected", selectedTotal, "fetched_items", len(items), "fetch_failures", fetchFailures,
		"processed", processedCount, "parse_failures", parseFailures,
		"ignored_not_delivery", ignoredNotDelivery, "ignored_missing_hash", ignoredMissingHash,
		"db_failures", dbFailures, "missing_in_db", missingInDB, "marked_seen", len(seenUIDs))

	return nil
}

// openSession dials, logs in, and selects the configured mailbox. It's
// wrapped by the circuit breaker: repeated connect/login failures trip the
// breaker and force a cooldown before the next poll tick bothers dialing at
// all, layered underneath the 3-attempt/250ms publisher-style retry this
// package deliberately does NOT add (a poll tick that fails just waits for
// the next tick, which already behaves like backoff).
func (p *Poller) openSession(ctx context.Context) (*imapclient.Client, error) {
	var client *imapclient.Client
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		connectTimeout := time.Duration(p.Cfg.ConnectTimeoutSecs) * time.Second
		if connectTimeout <= 0 {
			connectTimeout = 10 * time.Second
		}

		addr := net.JoinHostPort(p.Cfg.Host, fmt.Sprintf("%d", p.Cfg.Port))
		dialer := &net.Dialer{Timeout: connectTimeout}
		tlsConfig := &tls.Config{ServerName: p.Cfg.Host}

		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("tls dial %s: %w", addr, err)
		}

		c := imapclient.New(conn, &imapclient.Options{})
		if err := c.WaitGreeting(); err != nil {
			c.Close()
			return fmt.Errorf("read greeting: %w", err)
		}

		if err := c.Login(p.Cfg.User, p.Cfg.Pass).Wait(); err != nil {
			c.Close()
			return fmt.Errorf("login: %w", err)
		}

		mailbox := p.Cfg.Mailbox
		if mailbox == "" {
			mailbox = "INBOX"
		}
		if _, err := c.Select(mailbox, nil).Wait(); err != nil {
			c.Close()
			return fmt.Errorf("select %s: %w", mailbox, err)
		}

		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// searchUnseen issues UID SEARCH UNSEEN [SINCE dd-MMM-yyyy], returning the
// matching UIDs and a human-readable rendering of the query for logging.
func (p *Poller) searchUnseen(ctx context.Context, client *imapclient.Client) ([]imap.UID, string, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	query := "UNSEEN"

	maxHistory, noBound, err := p.Cfg.MaxHistoryDuration()
	if err != nil {
		return nil, "", err
	}
	if !noBound {
		since := time.Now().UTC().Add(-maxHistory)
		criteria.Since = since
		query = fmt.Sprintf("UNSEEN SINCE %s", formatImapSinceDate(since))
	}

	type result struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan result, 1)
	cmd := client.UIDSearch(criteria, nil)
	go func() {
		data, err := cmd.Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, query, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, query, r.err
		}
		return r.data.AllUIDs(), query, nil
	}
}

// formatImapSinceDate renders t as the dd-MMM-yyyy IMAP search date format.
func formatImapSinceDate(t time.Time) string {
	return fmt.Sprintf("%02d-%s-%d", t.Day(), monthAbbrev[t.Month()-1], t.Year())
}

type fetchedItem struct {
	uid imap.UID
	raw []byte
}

// batchFetch issues one UID FETCH (UID BODY.PEEK[]) for every uid. BODY.PEEK
// never sets \Seen, matching the mark-seen policy applied afterward.
func (p *Poller) batchFetch(client *imapclient.Client, uids []imap.UID) []fetchedItem {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Specifier: imap.PartSpecifierNone, Peek: true}},
	})

	var items []fetchedItem
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var uid imap.UID
		var raw []byte
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					body, err := io.ReadAll(io.LimitReader(data.Literal, int64(proto.DefaultMaxBodyLen)))
					if err == nil {
						raw = body
					}
				}
			}
		}

		if uid == 0 || raw == nil {
			continue
		}
		items = append(items, fetchedItem{uid: uid, raw: raw})
	}

	if err := fetchCmd.Close(); err != nil {
		p.Log.Warn("imap batch fetch close error", "error", err)
	}
	return items
}

// fetchOne is the per-UID fallback used when a batched fetch yields nothing.
func (p *Poller) fetchOne(client *imapclient.Client, uid imap.UID) ([]byte, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Specifier: imap.PartSpecifierNone, Peek: true}},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, nil
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			body, err := io.ReadAll(io.LimitReader(data.Literal, int64(proto.DefaultMaxBodyLen)))
			if err != nil {
				return nil, err
			}
			raw = body
		}
	}
	return raw, nil
}

// processOutcome mirrors the original's ProcessResult enum.
type processOutcome struct {
	uid      imap.UID
	kind     string
	hash     string
	message  string
	markSeen bool
}

// processAll runs processOne over every fetched item with concurrency
// bounded by the given limit.
func (p *Poller) processAll(ctx context.Context, items []fetchedItem, concurrency int) []processOutcome {
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	outcomes := make([]processOutcome, 0, len(items))

	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			oc := p.processOne(ctx, item)

			mu.Lock()
			outcomes = append(outcomes, oc)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

// processOne parses a single fetched message and upserts its bounce outcome,
// reporting exactly one of the six result kinds described in §4.7.
func (p *Poller) processOne(ctx context.Context, item fetchedItem) processOutcome {
	parsed, err := bounce.ParseBounceReport(item.raw)
	if err != nil {
		switch {
		case errors.Is(err, bounce.ErrNotDeliveryReport):
			return processOutcome{uid: item.uid, kind: "ignored_not_delivery"}
		case errors.Is(err, bounce.ErrMissingHash):
			return processOutcome{uid: item.uid, kind: "ignored_missing_hash"}
		default:
			return processOutcome{uid: item.uid, kind: "parse_failed", message: err.Error()}
		}
	}

	outcome, err := p.DB.UpsertBounce(ctx, parsed)
	if err != nil {
		return processOutcome{uid: item.uid, kind: "db_failed", hash: parsed.Hash, message: err.Error()}
	}
	if outcome == store.MissingLocalMessage {
		return processOutcome{uid: item.uid, kind: "missing_in_db", hash: parsed.Hash, markSeen: p.Cfg.MarkSeenIfNotExist}
	}
	return processOutcome{uid: item.uid, kind: "processed"}
}

// markSeen issues one UID STORE +FLAGS (\Seen) per iteration with the
// collected set.
func (p *Poller) markSeen(client *imapclient.Client, uids []imap.UID) error {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil)
	return storeCmd.Close()
}
