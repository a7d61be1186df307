package storeop

import (
	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
)

// codeForResult maps a store result code onto the typed error code
// surfaced to callers.
func codeForResult(code proto.ResultCode) apierrors.Code {
	switch code {
	case proto.ResultShardMapDoesNotExist:
		return apierrors.CodeShardMapDoesNotExist
	case proto.ResultShardMapExists:
		return apierrors.CodeShardMapExists
	case proto.ResultShardMapHasShards:
		return apierrors.CodeShardMapHasShards
	case proto.ResultShardExists:
		return apierrors.CodeShardExists
	case proto.ResultShardDoesNotExist:
		return apierrors.CodeShardDoesNotExist
	case proto.ResultShardHasMappings:
		return apierrors.CodeShardHasMappings
	case proto.ResultShardVersionMismatch:
		return apierrors.CodeStoreVersionMismatch
	case proto.ResultMappingDoesNotExist:
		return apierrors.CodeMappingDoesNotExist
	case proto.ResultMappingRangeAlreadyMapped:
		return apierrors.CodeMappingRangeAlreadyMapped
	case proto.ResultMappingLockOwnerIdDoesNotMatch:
		return apierrors.CodeMappingLockOwnerIdDoesNotMatch
	case proto.ResultMappingIsNotOffline:
		return apierrors.CodeMappingIsNotOffline
	case proto.ResultMappingNotFoundForKey:
		return apierrors.CodeMappingNotFoundForKey
	case proto.ResultSchemaInfoNameDoesNotExist:
		return apierrors.CodeSchemaInfoNameDoesNotExist
	case proto.ResultSchemaInfoNameConflict:
		return apierrors.CodeSchemaInfoNameConflict
	case proto.ResultStoreVersionMismatch:
		return apierrors.CodeStoreVersionMismatch
	case proto.ResultMissingParametersForStoredProcedure:
		return apierrors.CodeMissingOperationParameters
	case proto.ResultShardMapManagerStoreAlreadyExists:
		return apierrors.CodeShardMapManagerStoreAlreadyExists
	case proto.ResultShardMapManagerStoreDoesNotExist:
		return apierrors.CodeShardMapManagerStoreDoesNotExist
	default:
		return apierrors.CodeStorageOperationFailure
	}
}

// ResultError builds the typed error for a non-success store result.
func ResultError(category apierrors.Category, op string, code proto.ResultCode) error {
	return apierrors.New(category, codeForResult(code), op, "store returned %s", code)
}
