// Package balancecache keeps one Redis hash of live balances per customer and deducts from
// it atomically with a Lua script.
package balancecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/deduction"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

const keyCustomerBalances = "ent:balances:%s:%s:%s"

var ErrNotCached = errors.New("balance_not_cached")

// Config tunes the cache.
type Config struct {
	// TTL evicts idle customers; zero keeps entries until invalidated.
	TTL time.Duration
}

// Cache is the Redis-backed customer balance cache.
type Cache struct {
	client  *redis.Client
	syncKey string
	ttl     time.Duration
	log     *zap.Logger

	deduct     *redis.Script
	hydrate    *redis.Script
	setDetails *redis.Script
}

// New builds a cache that pushes sync deltas onto the list syncKey.
func New(client *redis.Client, syncKey string, cfg Config, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		client:     client,
		syncKey:    syncKey,
		ttl:        cfg.TTL,
		log:        log.Named("balancecache"),
		deduct:     redis.NewScript(deductScript),
		hydrate:    redis.NewScript(hydrateScript),
		setDetails: redis.NewScript(setDetailsScript),
	}
}

// Key is the hash holding a customer's balances.
func Key(scope domain.Scope) string {
	return fmt.Sprintf(keyCustomerBalances, scope.OrgID.String(), scope.Environment, scope.CustomerID.String())
}

// ScopeField addresses a feature, narrowed to one entity when entityID is set.
func ScopeField(featureID, entityID string) string {
	if entityID == "" {
		return featureID
	}
	return featureID + "#" + entityID
}

// DeductRequest is one atomic cache deduction.
type DeductRequest struct {
	Scope               domain.Scope
	FeatureID           string
	EntityID            string
	Amounts             []float64
	Overage             domain.OverageBehaviour
	AlterGrantedBalance bool
	Precedence          domain.Precedence
	Now                 time.Time
	// MessageID prefixes the ids of the sync messages the deduction emits.
	MessageID string
}

// DeductResult is the tally returned by the script.
type DeductResult struct {
	Code         string
	SuccessCount int
	Deducted     float64
	NewTotal     float64
	Items        []deduction.Item
}

// Success reports whether every amount was applied.
func (r DeductResult) Success() bool {
	return r.SuccessCount == len(r.Items)
}

// AtomicDeduct runs the deduction script. Cache-unusable outcomes come back as tagged
// fallback-eligible errors; an insufficient balance is reported in the result, not as error.
func (c *Cache) AtomicDeduct(ctx context.Context, req DeductRequest) (DeductResult, error) {
	if c == nil || c.client == nil {
		return DeductResult{}, domain.CacheUnusable(domain.CodeCacheError, errors.New("cache_not_configured"))
	}
	if req.MessageID == "" {
		req.MessageID = ulid.Make().String()
	}
	overage := req.Overage
	if overage == "" {
		overage = domain.OverageCap
	}
	precedence := req.Precedence
	if precedence == "" {
		precedence = domain.PrecedenceAdditionalFirst
	}
	alter := "0"
	if req.AlterGrantedBalance {
		alter = "1"
	}

	args := []interface{}{
		ScopeField(req.FeatureID, req.EntityID),
		req.FeatureID,
		strconv.FormatInt(req.Now.UnixMilli(), 10),
		string(overage),
		alter,
		string(precedence),
		req.Scope.OrgID.String(),
		string(req.Scope.Environment),
		req.Scope.CustomerID.String(),
		req.MessageID,
		len(req.Amounts),
	}
	for _, amount := range req.Amounts {
		args = append(args, deduction.FormatFloat(amount))
	}

	raw, err := c.deduct.Run(ctx, c.client, []string{Key(req.Scope), c.syncKey}, args...).Slice()
	if err != nil {
		return DeductResult{}, domain.CacheUnusable(domain.CodeCacheError, err)
	}
	return parseDeductReply(raw, req.Amounts)
}

func parseDeductReply(raw []interface{}, amounts []float64) (DeductResult, error) {
	if len(raw) < 2 {
		return DeductResult{}, domain.CacheUnusable(domain.CodeCacheError, fmt.Errorf("short reply: %d values", len(raw)))
	}
	status, _ := raw[0].(string)
	code, _ := raw[1].(string)
	if status != "ok" {
		return DeductResult{}, domain.CacheUnusable(code, nil)
	}
	if len(raw) != 5+3*len(amounts) {
		return DeductResult{}, domain.CacheUnusable(domain.CodeCacheError, fmt.Errorf("reply has %d values for %d amounts", len(raw), len(amounts)))
	}

	res := DeductResult{Code: code, Items: make([]deduction.Item, 0, len(amounts))}
	count, ok := raw[2].(int64)
	if !ok {
		return DeductResult{}, domain.CacheUnusable(domain.CodeCacheError, fmt.Errorf("success count %v", raw[2]))
	}
	res.SuccessCount = int(count)

	var err error
	if res.Deducted, err = replyFloat(raw[3]); err != nil {
		return DeductResult{}, err
	}
	if res.NewTotal, err = replyFloat(raw[4]); err != nil {
		return DeductResult{}, err
	}
	for i, amount := range amounts {
		base := 5 + 3*i
		item := deduction.Item{Amount: amount}
		if item.Deducted, err = replyFloat(raw[base]); err != nil {
			return DeductResult{}, err
		}
		if item.Remaining, err = replyFloat(raw[base+1]); err != nil {
			return DeductResult{}, err
		}
		flag, _ := raw[base+2].(string)
		item.OK = flag == "1"
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func replyFloat(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, domain.CacheUnusable(domain.CodeCacheError, fmt.Errorf("unexpected reply value %v", v))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, domain.CacheUnusable(domain.CodeCacheError, err)
	}
	return f, nil
}

// Version identifies the current content of a customer entry; "" when absent.
// Every deduction and every hydrate changes it.
func (c *Cache) Version(ctx context.Context, scope domain.Scope) (string, error) {
	vals, err := c.client.HMGet(ctx, Key(scope), "_ok", "_gen", "_seq").Result()
	if err != nil {
		return "", err
	}
	if vals[0] == nil {
		return "", nil
	}
	gen, _ := vals[1].(string)
	seq, ok := vals[2].(string)
	if !ok {
		seq = "0"
	}
	return gen + ":" + seq, nil
}

// Hydrate replaces the entry with snap when its version still equals expected.
// It reports false, without error, when the entry moved on in the meantime.
func (c *Cache) Hydrate(ctx context.Context, snap Snapshot, expected string) (bool, error) {
	fields, err := snap.fields()
	if err != nil {
		return false, err
	}
	args := make([]interface{}, 0, 3+len(fields))
	args = append(args, expected, ulid.Make().String(), c.ttl.Milliseconds())
	args = append(args, fields...)

	n, err := c.hydrate.Run(ctx, c.client, []string{Key(snap.Scope)}, args...).Int()
	if err != nil {
		return false, err
	}
	if n == 0 {
		c.log.Debug("hydrate skipped, entry changed",
			zap.String("customer_id", snap.Scope.CustomerID.String()),
			zap.String("expected_version", expected),
		)
	}
	return n == 1, nil
}

// Invalidate drops the customer entry; the next request falls back to the store.
func (c *Cache) Invalidate(ctx context.Context, scope domain.Scope) error {
	return c.client.Del(ctx, Key(scope)).Err()
}

// SetCachedDetails updates descriptive fields without touching balances.
func (c *Cache) SetCachedDetails(ctx context.Context, scope domain.Scope, details balancedomain.Details) error {
	meta, err := json.Marshal(details.Metadata)
	if err != nil {
		return err
	}
	n, err := c.setDetails.Run(ctx, c.client, []string{Key(scope)},
		"d:name", details.Name,
		"d:email", details.Email,
		"d:metadata", string(meta),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotCached
	}
	return nil
}

// GetCachedDetails reads descriptive fields of a cached customer.
func (c *Cache) GetCachedDetails(ctx context.Context, scope domain.Scope) (balancedomain.Details, error) {
	vals, err := c.client.HMGet(ctx, Key(scope), "_ok", "d:name", "d:email", "d:metadata").Result()
	if err != nil {
		return balancedomain.Details{}, err
	}
	if vals[0] == nil {
		return balancedomain.Details{}, ErrNotCached
	}
	return decodeDetails(vals[1], vals[2], vals[3]), nil
}

func decodeDetails(name, email, meta interface{}) balancedomain.Details {
	var d balancedomain.Details
	d.Name, _ = name.(string)
	d.Email, _ = email.(string)
	if raw, ok := meta.(string); ok && raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &d.Metadata)
	}
	return d
}

// View is a cached customer entry decoded for reads.
type View struct {
	Details  balancedomain.Details
	Features map[string]balancedomain.FeatureBalance
	// Due lists features whose reset time has passed; their cached values are stale.
	Due []string
}

// Read decodes every feature balance of a cached customer.
func (c *Cache) Read(ctx context.Context, scope domain.Scope, now time.Time) (View, error) {
	all, err := c.client.HGetAll(ctx, Key(scope)).Result()
	if err != nil {
		return View{}, err
	}
	if _, ok := all["_ok"]; !ok {
		return View{}, ErrNotCached
	}
	nowMs := now.UnixMilli()

	view := View{
		Details:  decodeDetails(all["d:name"], all["d:email"], all["d:metadata"]),
		Features: map[string]balancedomain.FeatureBalance{},
	}
	for field, raw := range all {
		featureID, ok := strings.CutPrefix(field, "pri:")
		if !ok || strings.Contains(featureID, "#") {
			continue
		}
		fb := balancedomain.FeatureBalance{FeatureID: featureID}

		var primary, additional []string
		if err := json.Unmarshal([]byte(raw), &primary); err != nil {
			return View{}, fmt.Errorf("decode %s: %w", field, err)
		}
		if addRaw, ok := all["add:"+featureID]; ok {
			if err := json.Unmarshal([]byte(addRaw), &additional); err != nil {
				return View{}, fmt.Errorf("decode add:%s: %w", featureID, err)
			}
		}
		for _, src := range primary {
			if exp, ok := all["x:"+src]; ok {
				if ms, err := strconv.ParseInt(exp, 10, 64); err == nil && ms <= nowMs {
					continue
				}
			}
			v, _ := strconv.ParseFloat(all["v:"+src], 64)
			if strings.HasPrefix(src, "r:") {
				fb.Rollover += v
			} else {
				fb.Balance += v
			}
			fb.Total += v
		}
		for _, src := range additional {
			v, _ := strconv.ParseFloat(all["v:"+src], 64)
			fb.Additional += v
			fb.Total += v
		}
		if exp, ok := all["_exp:"+featureID]; ok {
			if ms, err := strconv.ParseInt(exp, 10, 64); err == nil {
				fb.NextResetAt = &ms
				if ms <= nowMs {
					view.Due = append(view.Due, featureID)
				}
			}
		}
		view.Features[featureID] = fb
	}
	return view, nil
}
