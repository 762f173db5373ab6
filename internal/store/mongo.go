package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bitmor/loan-engine/internal/model"
)

// Collection names.
const (
	loansCollection       = "loans"
	loanInitTxsCollection = "loanInitTxs"
	checkpointsCollection = "checkpoints"
)

// ConnectMongo dials MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri, dbName string, timeout time.Duration, logger *slog.Logger) (*mongo.Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	safeURI := redactMongoURI(uri)
	logger.Info("connecting to mongodb", "uri", safeURI, "database", dbName)

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout * 2).
		SetHeartbeatInterval(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect %s: %w", safeURI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping %s: %w", safeURI, err)
	}
	return client.Database(dbName), nil
}

// redactMongoURI hides credentials from a connection string.
func redactMongoURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if _, host, ok := strings.Cut(rest, "@"); ok {
		return scheme + "://***:***@" + host
	}
	return uri
}

// MongoStore implements Store on MongoDB: one document per loan with the
// repayment history embedded in insertion order.
type MongoStore struct {
	loans       *mongo.Collection
	initTxs     *mongo.Collection
	checkpoints *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		loans:       db.Collection(loansCollection),
		initTxs:     db.Collection(loanInitTxsCollection),
		checkpoints: db.Collection(checkpointsCollection),
	}
}

// EnsureIndexes creates the unique LSA keys and the query indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.loans.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "lsaAddress", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "wallet", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "autoRepayment.enabled", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("loan indexes: %w", err)
	}
	_, err = s.initTxs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "lsaAddress", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("init tx indexes: %w", err)
	}
	return nil
}

type repaymentDoc struct {
	TxHash      string `bson:"txHash"`
	Amount      string `bson:"amount"`
	PaymentDate int64  `bson:"paymentDate"`
	PaymentType string `bson:"paymentType"`
}

type autoRepaymentDoc struct {
	Enabled   bool       `bson:"enabled"`
	EnabledAt *time.Time `bson:"enabledAt,omitempty"`
}

type loanDoc struct {
	LSAAddress              string            `bson:"lsaAddress"`
	Wallet                  string            `bson:"wallet"`
	Deposit                 string            `bson:"deposit"`
	Loan                    string            `bson:"loan"`
	Collateral              string            `bson:"collateral"`
	EstimatedMonthlyPayment string            `bson:"estimatedMonthlyPayment"`
	Duration                string            `bson:"duration"`
	PriceAtBuy              string            `bson:"priceAtBuy"`
	Salt                    string            `bson:"salt"`
	CreatedAt               time.Time         `bson:"createdAt"`
	EarlyCloseDate          *time.Time        `bson:"earlyCloseDate,omitempty"`
	FullyLiquidatedDate     *time.Time        `bson:"fullyLiquidatedDate,omitempty"`
	AutoRepayment           *autoRepaymentDoc `bson:"autoRepayment,omitempty"`
	Repayments              []repaymentDoc    `bson:"repayments"`
}

func toLoanDoc(l *model.Loan) loanDoc {
	d := loanDoc{
		LSAAddress:              l.LSAAddress,
		Wallet:                  l.Wallet,
		Deposit:                 l.Deposit,
		Loan:                    l.Loan,
		Collateral:              l.Collateral,
		EstimatedMonthlyPayment: l.EstimatedMonthlyPayment,
		Duration:                l.Duration,
		PriceAtBuy:              l.PriceAtBuy.String(),
		Salt:                    l.Salt,
		CreatedAt:               l.CreatedAt,
		EarlyCloseDate:          l.EarlyCloseDate,
		FullyLiquidatedDate:     l.FullyLiquidatedDate,
		Repayments:              make([]repaymentDoc, 0, len(l.Repayments)),
	}
	if l.AutoRepayment != nil {
		d.AutoRepayment = &autoRepaymentDoc{Enabled: l.AutoRepayment.Enabled, EnabledAt: l.AutoRepayment.EnabledAt}
	}
	for _, r := range l.Repayments {
		d.Repayments = append(d.Repayments, toRepaymentDoc(r))
	}
	return d
}

func toRepaymentDoc(r model.Repayment) repaymentDoc {
	return repaymentDoc{
		TxHash:      r.TxHash,
		Amount:      r.Amount,
		PaymentDate: r.PaymentDate,
		PaymentType: string(r.PaymentType),
	}
}

func (d *loanDoc) toModel() model.Loan {
	l := model.Loan{
		LSAAddress:              d.LSAAddress,
		Wallet:                  d.Wallet,
		Deposit:                 d.Deposit,
		Loan:                    d.Loan,
		Collateral:              d.Collateral,
		EstimatedMonthlyPayment: d.EstimatedMonthlyPayment,
		Duration:                d.Duration,
		Salt:                    d.Salt,
		CreatedAt:               d.CreatedAt.UTC(),
		EarlyCloseDate:          utcPtr(d.EarlyCloseDate),
		FullyLiquidatedDate:     utcPtr(d.FullyLiquidatedDate),
	}
	l.PriceAtBuy, _ = decimal.NewFromString(d.PriceAtBuy)
	if d.AutoRepayment != nil {
		l.AutoRepayment = &model.AutoRepayment{Enabled: d.AutoRepayment.Enabled, EnabledAt: utcPtr(d.AutoRepayment.EnabledAt)}
	}
	for _, r := range d.Repayments {
		l.Repayments = append(l.Repayments, model.Repayment{
			TxHash:      r.TxHash,
			Amount:      r.Amount,
			PaymentDate: r.PaymentDate,
			PaymentType: model.PaymentType(r.PaymentType),
		})
	}
	return l
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (s *MongoStore) FindByLSA(ctx context.Context, lsa string) (*model.Loan, error) {
	var d loanDoc
	err := s.loans.FindOne(ctx, bson.M{"lsaAddress": lsa}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find loan %s: %w", lsa, err)
	}
	l := d.toModel()
	return &l, nil
}

func (s *MongoStore) FindByWallet(ctx context.Context, wallet, lsa string) ([]model.Loan, error) {
	filter := bson.M{"wallet": wallet}
	if lsa != "" {
		filter["lsaAddress"] = lsa
	}
	return s.find(ctx, filter)
}

func (s *MongoStore) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoStore) ListAutoRepaymentLoans(ctx context.Context) ([]model.Loan, error) {
	return s.find(ctx, bson.M{
		"autoRepayment.enabled": true,
		"earlyCloseDate":        nil,
		"fullyLiquidatedDate":   nil,
	})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]model.Loan, error) {
	cur, err := s.loans.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []loanDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	loans := make([]model.Loan, 0, len(docs))
	for i := range docs {
		loans = append(loans, docs[i].toModel())
	}
	return loans, nil
}

func (s *MongoStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	_, err := s.loans.InsertOne(ctx, toLoanDoc(l))
	if mongo.IsDuplicateKeyError(err) {
		return ErrLoanExists
	}
	if err != nil {
		return fmt.Errorf("create loan %s: %w", l.LSAAddress, err)
	}
	return nil
}

// AppendRepayment is a single conditional $push: the filter excludes
// liquidated loans and histories that already hold the tx hash.
func (s *MongoStore) AppendRepayment(ctx context.Context, lsa string, r model.Repayment) error {
	res, err := s.loans.UpdateOne(ctx,
		bson.M{
			"lsaAddress":          lsa,
			"fullyLiquidatedDate": nil,
			"repayments.txHash":   bson.M{"$ne": r.TxHash},
		},
		bson.M{"$push": bson.M{"repayments": toRepaymentDoc(r)}},
	)
	if err != nil {
		return fmt.Errorf("append repayment %s: %w", lsa, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	var d loanDoc
	err = s.loans.FindOne(ctx, bson.M{"lsaAddress": lsa},
		options.FindOne().SetProjection(bson.M{"fullyLiquidatedDate": 1})).Decode(&d)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("append repayment %s: %w", lsa, err)
	case d.FullyLiquidatedDate != nil:
		return ErrLoanLiquidated
	default:
		return ErrDuplicateRepayment
	}
}

func (s *MongoStore) SetEarlyCloseDate(ctx context.Context, lsa string, at time.Time) error {
	return s.setFields(ctx, lsa, bson.M{"earlyCloseDate": at.UTC()})
}

func (s *MongoStore) SetLiquidatedDate(ctx context.Context, lsa string, at time.Time) error {
	return s.setFields(ctx, lsa, bson.M{"fullyLiquidatedDate": at.UTC()})
}

func (s *MongoStore) SetAutoRepayment(ctx context.Context, lsa string, enabled bool, at time.Time) error {
	set := bson.M{"autoRepayment.enabled": enabled}
	if enabled {
		set["autoRepayment.enabledAt"] = at.UTC()
	}
	return s.setFields(ctx, lsa, set)
}

func (s *MongoStore) setFields(ctx context.Context, lsa string, set bson.M) error {
	res, err := s.loans.UpdateOne(ctx, bson.M{"lsaAddress": lsa}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update loan %s: %w", lsa, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SaveLoanInitTx(ctx context.Context, tx *model.LoanInitTx) error {
	_, err := s.initTxs.UpdateOne(ctx,
		bson.M{"lsaAddress": tx.LSAAddress},
		bson.M{"$setOnInsert": bson.M{
			"lsaAddress":  tx.LSAAddress,
			"txHash":      tx.TxHash,
			"blockNumber": int64(tx.BlockNumber),
			"status":      int64(tx.Status),
			"gasUsed":     int64(tx.GasUsed),
			"logCount":    tx.LogCount,
			"recordedAt":  tx.RecordedAt,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

type checkpointDoc struct {
	Name  string `bson:"_id"`
	Block int64  `bson:"block"`
}

func (s *MongoStore) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	var d checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": name}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(d.Block), true, nil
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	_, err := s.checkpoints.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{"block": int64(block)}},
		options.Update().SetUpsert(true),
	)
	return err
}
