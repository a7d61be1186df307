package shardmap

import (
	"context"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
)

// SchemaInfoCollection stores named schema descriptions (sharded and
// reference tables) in the global store, keyed by name.
type SchemaInfoCollection struct {
	manager *ShardMapManager
}

// Add stores a new schema info; fails with SchemaInfoNameConflict when
// the name is taken.
func (c *SchemaInfoCollection) Add(ctx context.Context, info *proto.SchemaInfo) error {
	_, err := c.manager.executor.ExecuteGlobal(ctx, apierrors.CategorySchemaInfoCollection, "add-schema-info",
		storage.ReadWrite, storage.OpAddSchemaInfoGlobal, &storage.Request{SchemaInfo: info})
	return err
}

// Replace overwrites an existing schema info of the same name.
func (c *SchemaInfoCollection) Replace(ctx context.Context, info *proto.SchemaInfo) error {
	_, err := c.manager.executor.ExecuteGlobal(ctx, apierrors.CategorySchemaInfoCollection, "replace-schema-info",
		storage.ReadWrite, storage.OpUpdateSchemaInfoGlobal, &storage.Request{SchemaInfo: info})
	return err
}

// Get fetches the schema info with the given name.
func (c *SchemaInfoCollection) Get(ctx context.Context, name string) (*proto.SchemaInfo, error) {
	res, err := c.manager.executor.ExecuteGlobal(ctx, apierrors.CategorySchemaInfoCollection, "get-schema-info",
		storage.ReadOnly, storage.OpFindSchemaInfoGlobal, &storage.Request{Name: name})
	if err != nil {
		return nil, err
	}
	return res.SchemaInfos[0], nil
}

// TryGet is Get with the not-found case returned as a boolean instead
// of an error.
func (c *SchemaInfoCollection) TryGet(ctx context.Context, name string) (*proto.SchemaInfo, bool, error) {
	info, err := c.Get(ctx, name)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeSchemaInfoNameDoesNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return info, true, nil
}

// Remove deletes the schema info with the given name.
func (c *SchemaInfoCollection) Remove(ctx context.Context, name string) error {
	_, err := c.manager.executor.ExecuteGlobal(ctx, apierrors.CategorySchemaInfoCollection, "remove-schema-info",
		storage.ReadWrite, storage.OpRemoveSchemaInfoGlobal, &storage.Request{Name: name})
	return err
}

// GetAll enumerates every stored schema info.
func (c *SchemaInfoCollection) GetAll(ctx context.Context) ([]*proto.SchemaInfo, error) {
	res, err := c.manager.executor.ExecuteGlobal(ctx, apierrors.CategorySchemaInfoCollection, "get-schema-infos",
		storage.ReadOnly, storage.OpGetAllSchemaInfosGlobal, &storage.Request{})
	if err != nil {
		return nil, err
	}
	return res.SchemaInfos, nil
}
