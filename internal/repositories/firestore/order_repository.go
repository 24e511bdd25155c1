package firestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/platform/pagination"
	"github.com/lavka-market/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	positionsSubcollection = "positions"

	defaultOrderPageSize = 50
	maxOrderPageSize     = 200
)

// OrderRepository persists order headers in the orders collection. Position
// snapshots live in a positions subcollection under each order and are
// managed by OrderPositionRepository.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert creates a new order header. Creation fails if a document with the
// same id already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.documentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if err := createDocument(ctx, ref, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the mutable portion of an order header.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.documentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := encodeOrderDocument(order)
	updates := []firestore.Update{
		{Path: "paid", Value: doc.Paid},
		{Path: "canceled", Value: doc.Canceled},
		{Path: "completed", Value: doc.Completed},
		{Path: "delivered", Value: doc.Delivered},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.PaymentRef != nil {
		updates = append(updates, firestore.Update{Path: "paymentRef", Value: *doc.PaymentRef})
	}
	if doc.PaidAt != nil {
		updates = append(updates, firestore.Update{Path: "paidAt", Value: *doc.PaidAt})
	}
	if doc.CanceledAt != nil {
		updates = append(updates, firestore.Update{Path: "canceledAt", Value: *doc.CanceledAt})
	}
	if err := updateDocument(ctx, ref, updates, firestore.Exists); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID loads a single order header.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.documentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := getDocument(ctx, ref)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrderSnapshot(snap)
}

// FindByPaymentRef resolves the order that holds the given gateway payment
// reference. Exactly one order owns a reference at any time; when duplicates
// exist the most recently created order wins.
func (r *OrderRepository) FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	ref := strings.TrimSpace(paymentRef)
	if ref == "" {
		return domain.Order{}, errors.New("order repository: payment ref is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	query := coll.Where("paymentRef", "==", ref).
		OrderBy("createdAt", firestore.Desc).
		Limit(1)
	iter := queryDocuments(ctx, query)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentRef", status.Errorf(codes.NotFound, "no order holds payment ref %s", ref))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentRef", err)
	}
	return decodeOrderSnapshot(snap)
}

// List returns a page of orders matching the filter, newest first unless an
// ascending sort is requested. Flag filters apply only when the corresponding
// pointer is set.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := coll.Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if len(filter.StoreIDs) > 0 {
		query = query.Where("storeId", "in", filter.StoreIDs)
	}
	for field, value := range map[string]*bool{
		"paid":      filter.Paid,
		"canceled":  filter.Canceled,
		"completed": filter.Completed,
		"delivered": filter.Delivered,
	} {
		if value != nil {
			query = query.Where(field, "==", *value)
		}
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	direction := firestore.Desc
	if filter.Sort == domain.SortAsc {
		direction = firestore.Asc
	}
	query = query.OrderBy("createdAt", direction).
		OrderBy(firestore.DocumentID, direction).
		Limit(pageSize + 1)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursorTime, cursorID, err := decodeOrderCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		query = query.StartAfter(cursorTime, cursorID)
	}

	iter := queryDocuments(ctx, query)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrderSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[len(page.Items)-1]
		page.NextPageToken = encodeOrderCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection), nil
}

func (r *OrderRepository) documentRef(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("order repository: order id is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

type orderDocument struct {
	Number     string     `firestore:"number"`
	UserID     string     `firestore:"userId"`
	StoreID    string     `firestore:"storeId"`
	AddressID  string     `firestore:"addressId"`
	PaymentRef *string    `firestore:"paymentRef,omitempty"`
	Amount     string     `firestore:"amount"`
	Paid       bool       `firestore:"paid"`
	Canceled   bool       `firestore:"canceled"`
	Completed  bool       `firestore:"completed"`
	Delivered  bool       `firestore:"delivered"`
	CreatedAt  time.Time  `firestore:"createdAt"`
	UpdatedAt  time.Time  `firestore:"updatedAt"`
	CanceledAt *time.Time `firestore:"canceledAt,omitempty"`
	PaidAt     *time.Time `firestore:"paidAt,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		Number:     order.Number,
		UserID:     order.UserID,
		StoreID:    order.StoreID,
		AddressID:  order.AddressID,
		PaymentRef: cloneOptionalString(order.PaymentRef),
		Amount:     domain.MoneyString(order.Amount),
		Paid:       order.Flags.Paid,
		Canceled:   order.Flags.Canceled,
		Completed:  order.Flags.Completed,
		Delivered:  order.Flags.Delivered,
		CreatedAt:  order.CreatedAt.UTC(),
		UpdatedAt:  order.UpdatedAt.UTC(),
		CanceledAt: cloneOptionalTime(order.CanceledAt),
		PaidAt:     cloneOptionalTime(order.PaidAt),
	}
}

func decodeOrderSnapshot(snapshot *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snapshot.Ref.ID, err)
	}
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s amount %q: %w", snapshot.Ref.ID, doc.Amount, err)
	}
	return domain.Order{
		ID:         snapshot.Ref.ID,
		Number:     doc.Number,
		UserID:     doc.UserID,
		StoreID:    doc.StoreID,
		AddressID:  doc.AddressID,
		PaymentRef: cloneOptionalString(doc.PaymentRef),
		Amount:     amount,
		Flags: domain.OrderFlags{
			Paid:      doc.Paid,
			Canceled:  doc.Canceled,
			Completed: doc.Completed,
			Delivered: doc.Delivered,
		},
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		CanceledAt: cloneOptionalTime(doc.CanceledAt),
		PaidAt:     cloneOptionalTime(doc.PaidAt),
	}, nil
}

func encodeOrderCursor(createdAt time.Time, orderID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []string{strconv.FormatInt(createdAt.UTC().UnixNano(), 10), orderID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeOrderCursor(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	nanos, err := strconv.ParseInt(cursor.StartAfter[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	return time.Unix(0, nanos).UTC(), cursor.StartAfter[1], nil
}

func cloneOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	cloned := value.UTC()
	return &cloned
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
