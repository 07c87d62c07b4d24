package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Node связывает узел OPC UA с полем values.
type Node struct {
	NodeID string `yaml:"node_id"`
	Field  string `yaml:"field"`
}

// Config описывает подключение к серверу OPC UA и расписание записи.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	InsertInterval   time.Duration `yaml:"insert_interval"`
	FactoryIO        string        `yaml:"factory_io"`
	Nodes            []Node        `yaml:"nodes"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "tankwatch opcua-bridge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 500 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	if c.InsertInterval <= 0 {
		c.InsertInterval = time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("bridge: endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("bridge: at least one node must be configured")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, ok := telemetry.FieldKind(n.Field); !ok {
			return fmt.Errorf("bridge: node %q: unknown field %q", n.NodeID, n.Field)
		}
		if _, err := ua.ParseNodeID(n.NodeID); err != nil {
			return fmt.Errorf("bridge: node %q: %w", n.NodeID, err)
		}
		if seen[n.Field] {
			return fmt.Errorf("bridge: field %q mapped twice", n.Field)
		}
		seen[n.Field] = true
	}
	return nil
}

// Bridge подписывается на узлы OPC UA и пишет объединённые показания в хранилище.
type Bridge struct {
	cfg     Config
	sink    storage.Sink
	merger  *Merger
	logger  *log.Logger
	session string
	handles map[uint32]Node
	now     func() time.Time
}

func New(cfg Config, sink storage.Sink, logger *log.Logger) (*Bridge, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	handles := make(map[uint32]Node, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		handles[uint32(i+1)] = n
	}
	return &Bridge{
		cfg:     cfg,
		sink:    sink,
		merger:  NewMerger(cfg.FactoryIO),
		logger:  logger,
		session: uuid.NewString(),
		handles: handles,
		now:     time.Now,
	}, nil
}

// Session: идентификатор запуска для логов.
func (b *Bridge) Session() string {
	return b.session
}

// Run подключается, подписывается на узлы и пишет строки до отмены ctx.
func (b *Bridge) Run(ctx context.Context) error {
	client, err := opcua.NewClient(b.cfg.Endpoint, b.clientOptions()...)
	if err != nil {
		return fmt.Errorf("bridge: new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect %s: %w", b.cfg.Endpoint, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Printf("bridge: close client: %v", err)
		}
	}()

	notifyCh := make(chan *opcua.PublishNotificationData, len(b.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: b.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		return fmt.Errorf("bridge: subscribe: %w", err)
	}
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sub.Cancel(cancelCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Printf("bridge: cancel subscription: %v", err)
		}
	}()

	for handle, node := range b.handles {
		if err := b.monitor(ctx, sub, handle, node); err != nil {
			return err
		}
	}
	b.logger.Printf("bridge: session %s monitoring %d nodes on %s", b.session, len(b.handles), b.cfg.Endpoint)

	ticker := time.NewTicker(b.cfg.InsertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.finalFlush()
			return nil
		case notif := <-notifyCh:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				b.logger.Printf("bridge: notification error: %v", notif.Error)
				continue
			}
			if data, ok := notif.Value.(*ua.DataChangeNotification); ok {
				b.handleDataChange(data)
			}
		case <-ticker.C:
			if _, err := b.flush(ctx); err != nil {
				b.logger.Printf("bridge: %v", err)
			}
		}
	}
}

func (b *Bridge) monitor(ctx context.Context, sub *opcua.Subscription, handle uint32, node Node) error {
	nodeID, err := ua.ParseNodeID(node.NodeID)
	if err != nil {
		return fmt.Errorf("bridge: parse node id %q: %w", node.NodeID, err)
	}
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
	if b.cfg.SamplingInterval > 0 {
		req.RequestedParameters.SamplingInterval = float64(b.cfg.SamplingInterval / time.Millisecond)
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return fmt.Errorf("bridge: monitor node %q: %w", node.NodeID, err)
	}
	if len(res.Results) == 0 {
		return fmt.Errorf("bridge: monitor node %q: empty result", node.NodeID)
	}
	if res.Results[0].StatusCode != ua.StatusOK {
		return fmt.Errorf("bridge: monitor node %q: %s", node.NodeID, res.Results[0].StatusCode)
	}
	return nil
}

// handleDataChange переносит значения уведомления в Merger. Неизвестные handle
// и значения неподходящего типа пропускаются.
func (b *Bridge) handleDataChange(data *ua.DataChangeNotification) {
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		node, ok := b.handles[item.ClientHandle]
		if !ok {
			continue
		}
		if item.Value.Status != ua.StatusOK {
			b.logger.Printf("bridge: node %s bad status %s", node.NodeID, item.Value.Status)
			continue
		}
		value, ok := variantValue(item.Value.Value)
		if !ok {
			b.logger.Printf("bridge: skip node %s: unsupported value", node.NodeID)
			continue
		}
		if err := b.merger.Set(node.Field, value); err != nil {
			b.logger.Printf("bridge: node %s: %v", node.NodeID, err)
		}
	}
}

// finalFlushTimeout ограничивает последнюю запись при остановке.
const finalFlushTimeout = 2 * time.Second

// finalFlush дописывает изменения после последнего тика. ctx запуска к этому моменту
// отменён, поэтому запись идёт со своим таймаутом.
func (b *Bridge) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if _, err := b.flush(ctx); err != nil {
		b.logger.Printf("bridge: final %v", err)
	}
}

// flush пишет одну строку, если значения менялись с прошлой записи.
func (b *Bridge) flush(ctx context.Context) (storage.Row, error) {
	raw, ok, err := b.merger.Flush()
	if err != nil || !ok {
		return storage.Row{}, err
	}
	row, err := b.sink.Insert(ctx, b.now(), raw)
	if err != nil {
		b.merger.MarkDirty()
		return storage.Row{}, fmt.Errorf("insert: %w", err)
	}
	logDebugf(b.logger, "bridge: inserted row id=%d", row.ID)
	return row, nil
}

func (b *Bridge) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(b.cfg.SecurityMode)),
		opcua.SecurityPolicy(b.cfg.SecurityPolicy),
		opcua.ApplicationName(b.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if b.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(b.cfg.Username, b.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// variantValue разворачивает Variant в Go-значение, понятное telemetry.Values.Set.
func variantValue(v *ua.Variant) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case bool, string,
		float32, float64,
		int8, int16, int32, int64,
		uint8, uint16, uint32, uint64:
		return val, true
	case *ua.LocalizedText:
		if val == nil {
			return nil, false
		}
		return val.Text, true
	default:
		return nil, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}
