package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
)

// AlertLevel 预算告警级别
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // 消费达到预警比例
	AlertExceeded AlertLevel = "exceeded" // 消费达到/超过上限
)

// Period 预算周期
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Alert 一次预算告警
type Alert struct {
	Level  AlertLevel `json:"level"`
	Period Period     `json:"period"`
	Limit  float64    `json:"limit"`
	Spent  float64    `json:"spent"`
}

// Config 预算守卫配置. 上限为 0 表示该周期不限额。
type Config struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	// WarnRatio 预警比例, <=0 时取 0.8
	WarnRatio float64
	// OnAlert 告警回调, 每个周期每个级别只触发一次
	OnAlert func(Alert)
}

// Usage 当前预算消费快照
type Usage struct {
	DaySpent     float64 `json:"day_spent"`
	MonthSpent   float64 `json:"month_spent"`
	DailyLimit   float64 `json:"daily_limit"`
	MonthlyLimit float64 `json:"monthly_limit"`
}

// Guard 预算守卫: 调用前用预估成本预检, 调用后记录实际消费。
// 周期消费在内存中累计, 台账存在时启动同步并逐条落库。
type Guard struct {
	config Config
	ledger *Ledger // 可为 nil, 纯内存模式
	logger *zap.Logger

	mu         sync.Mutex
	now        func() time.Time
	dayStart   time.Time
	monthStart time.Time
	daySpent   float64
	monthSpent float64
	alerted    map[string]bool // "daily/warning" 等, 周期滚动时清空对应项
}

// NewGuard 创建预算守卫. ledger 非 nil 时用台账回填当前周期消费。
func NewGuard(config Config, ledger *Ledger, logger *zap.Logger) (*Guard, error) {
	if config.WarnRatio <= 0 {
		config.WarnRatio = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		config:  config,
		ledger:  ledger,
		logger:  logger,
		now:     time.Now,
		alerted: make(map[string]bool),
	}
	g.dayStart = dayOf(g.now())
	g.monthStart = monthOf(g.now())

	if ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		monthSpent, err := ledger.SpentSince(ctx, g.monthStart)
		if err != nil {
			return nil, fmt.Errorf("failed to load month spend: %w", err)
		}
		daySpent, err := ledger.SpentSince(ctx, g.dayStart)
		if err != nil {
			return nil, fmt.Errorf("failed to load day spend: %w", err)
		}
		g.monthSpent = monthSpent
		g.daySpent = daySpent

		logger.Info("budget guard restored from ledger",
			zap.Float64("day_spent", daySpent),
			zap.Float64("month_spent", monthSpent))
	}

	return g, nil
}

// CanAfford 预检: 当前消费加上预估成本是否仍在限额内.
// 超限返回 LLM_BUDGET_EXCEEDED; 刚好等于限额仍放行。
func (g *Guard) CanAfford(estimated float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()

	if g.config.DailyLimitUSD > 0 && g.daySpent+estimated > g.config.DailyLimitUSD {
		return llm.NewBudgetExceededError(fmt.Sprintf(
			"daily budget: spent $%.4f + estimated $%.4f exceeds limit $%.2f",
			g.daySpent, estimated, g.config.DailyLimitUSD))
	}
	if g.config.MonthlyLimitUSD > 0 && g.monthSpent+estimated > g.config.MonthlyLimitUSD {
		return llm.NewBudgetExceededError(fmt.Sprintf(
			"monthly budget: spent $%.4f + estimated $%.4f exceeds limit $%.2f",
			g.monthSpent, estimated, g.config.MonthlyLimitUSD))
	}
	return nil
}

// Record 记录一次实际消费并触发必要的告警.
// 缓存命中仍会落库 (审计), 但不计入消费。
func (g *Guard) Record(ctx context.Context, resp *llm.Response) error {
	g.mu.Lock()
	g.roll()
	if !resp.Cached {
		g.daySpent += resp.Usage.TotalCost
		g.monthSpent += resp.Usage.TotalCost
	}
	alerts := g.collectAlerts()
	g.mu.Unlock()

	for _, a := range alerts {
		g.logger.Warn("budget alert",
			zap.String("level", string(a.Level)),
			zap.String("period", string(a.Period)),
			zap.Float64("spent", a.Spent),
			zap.Float64("limit", a.Limit))
		if g.config.OnAlert != nil {
			g.config.OnAlert(a)
		}
	}

	if g.ledger != nil {
		if err := g.ledger.Record(ctx, logFromResponse(resp)); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot 返回当前周期消费快照.
func (g *Guard) Snapshot() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	return Usage{
		DaySpent:     g.daySpent,
		MonthSpent:   g.monthSpent,
		DailyLimit:   g.config.DailyLimitUSD,
		MonthlyLimit: g.config.MonthlyLimitUSD,
	}
}

// collectAlerts 在锁内检查阈值, 每周期每级别只产出一次.
func (g *Guard) collectAlerts() []Alert {
	var out []Alert
	check := func(period Period, spent, limit float64) {
		if limit <= 0 {
			return
		}
		if spent >= limit {
			key := string(period) + "/exceeded"
			if !g.alerted[key] {
				g.alerted[key] = true
				out = append(out, Alert{Level: AlertExceeded, Period: period, Limit: limit, Spent: spent})
			}
			return
		}
		if spent >= limit*g.config.WarnRatio {
			key := string(period) + "/warning"
			if !g.alerted[key] {
				g.alerted[key] = true
				out = append(out, Alert{Level: AlertWarning, Period: period, Limit: limit, Spent: spent})
			}
		}
	}
	check(PeriodDaily, g.daySpent, g.config.DailyLimitUSD)
	check(PeriodMonthly, g.monthSpent, g.config.MonthlyLimitUSD)
	return out
}

// roll 在锁内滚动周期, 清零对应消费与告警标记.
func (g *Guard) roll() {
	now := g.now()
	if day := dayOf(now); day.After(g.dayStart) {
		g.dayStart = day
		g.daySpent = 0
		delete(g.alerted, "daily/warning")
		delete(g.alerted, "daily/exceeded")
	}
	if month := monthOf(now); month.After(g.monthStart) {
		g.monthStart = month
		g.monthSpent = 0
		delete(g.alerted, "monthly/warning")
		delete(g.alerted, "monthly/exceeded")
	}
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
