package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskhub/domain"
)

const tablesUpdateRetries = 3

// TablesBackend stores each collection in its own Azure table. Documents
// live in a single partition named after the collection with the JSON
// body in the Data property.
type TablesBackend struct {
	svc    *aztables.ServiceClient
	prefix string

	mu      sync.Mutex
	clients map[string]*aztables.Client
}

// NewTablesBackend connects using a storage connection string. Table names
// are prefix + collection.
func NewTablesBackend(connStr, prefix string) (*TablesBackend, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TablesBackend{svc: svc, prefix: prefix, clients: map[string]*aztables.Client{}}, nil
}

// TableName is the Azure table holding collection.
func (b *TablesBackend) TableName(collection string) string {
	return b.prefix + collection
}

func (b *TablesBackend) client(collection string) *aztables.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[collection]
	if !ok {
		c = b.svc.NewClient(b.TableName(collection))
		b.clients[collection] = c
	}
	return c
}

type documentEntity struct {
	aztables.Entity
	Data string `json:"Data"`
}

func encodeEntity(collection string, doc Document) ([]byte, error) {
	data, err := encodeFields(doc.Fields)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(documentEntity{
		Entity: aztables.Entity{PartitionKey: collection, RowKey: doc.ID},
		Data:   string(data),
	})
}

func decodeEntity(raw []byte) (Document, error) {
	var ent documentEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return Document{}, err
	}
	fields, err := decodeFields([]byte(ent.Data))
	if err != nil {
		return Document{}, err
	}
	return Document{ID: ent.RowKey, Fields: fields}, nil
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func (b *TablesBackend) List(ctx context.Context, collection string) ([]Document, error) {
	filter := "PartitionKey eq '" + collection + "'"
	pager := b.client(collection).NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := []Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			doc, err := decodeEntity(e)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (b *TablesBackend) Get(ctx context.Context, collection, id string) (Document, error) {
	resp, err := b.client(collection).GetEntity(ctx, collection, id, nil)
	if err != nil {
		if hasStatus(err, 404) {
			return Document{}, domain.ErrNotFound
		}
		return Document{}, err
	}
	return decodeEntity(resp.Value)
}

func (b *TablesBackend) Put(ctx context.Context, collection string, doc Document) error {
	payload, err := encodeEntity(collection, doc)
	if err != nil {
		return err
	}
	_, err = b.client(collection).UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Update replaces the entity under an ETag precondition and retries on 412.
func (b *TablesBackend) Update(ctx context.Context, collection, id string, mutate func(map[string]any) error) error {
	client := b.client(collection)
	for i := 0; i < tablesUpdateRetries; i++ {
		resp, err := client.GetEntity(ctx, collection, id, nil)
		if err != nil {
			if hasStatus(err, 404) {
				return domain.ErrNotFound
			}
			return err
		}
		doc, err := decodeEntity(resp.Value)
		if err != nil {
			return err
		}
		if err := mutate(doc.Fields); err != nil {
			return err
		}
		payload, err := encodeEntity(collection, doc)
		if err != nil {
			return err
		}
		etag := resp.ETag
		_, err = client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return nil
		case hasStatus(err, 412):
			continue
		case hasStatus(err, 404):
			return domain.ErrNotFound
		default:
			return err
		}
	}
	return domain.ErrConcurrencyConflict
}

func (b *TablesBackend) Remove(ctx context.Context, collection, id string) error {
	_, err := b.client(collection).DeleteEntity(ctx, collection, id, nil)
	if err != nil && !hasStatus(err, 404) {
		return err
	}
	return nil
}

// EnsureTables creates the tables for collections, tolerating tables that
// already exist.
func (b *TablesBackend) EnsureTables(ctx context.Context, collections ...string) error {
	for _, c := range collections {
		if _, err := b.svc.CreateTable(ctx, b.TableName(c), nil); err != nil && !hasStatus(err, 409) {
			return err
		}
	}
	return nil
}
