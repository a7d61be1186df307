package proto

// ResultCode is the classified outcome of one store operation execution.
// The store implementation maps its row-level state into these codes; the
// operation framework translates them into typed errors.
type ResultCode uint32

const (
	ResultSuccess ResultCode = iota
	ResultFailure
	ResultShardMapDoesNotExist
	ResultShardMapExists
	ResultShardMapHasShards
	ResultShardExists
	ResultShardDoesNotExist
	ResultShardHasMappings
	ResultShardVersionMismatch
	ResultMappingDoesNotExist
	ResultMappingRangeAlreadyMapped
	ResultMappingLockOwnerIdDoesNotMatch
	ResultMappingIsNotOffline
	ResultMappingNotFoundForKey
	ResultSchemaInfoNameDoesNotExist
	ResultSchemaInfoNameConflict
	ResultStoreVersionMismatch
	ResultMissingParametersForStoredProcedure
	ResultShardMapManagerStoreAlreadyExists
	ResultShardMapManagerStoreDoesNotExist
	ResultUnexpectedStoreError
)

func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "Success"
	case ResultFailure:
		return "Failure"
	case ResultShardMapDoesNotExist:
		return "ShardMapDoesNotExist"
	case ResultShardMapExists:
		return "ShardMapExists"
	case ResultShardMapHasShards:
		return "ShardMapHasShards"
	case ResultShardExists:
		return "ShardExists"
	case ResultShardDoesNotExist:
		return "ShardDoesNotExist"
	case ResultShardHasMappings:
		return "ShardHasMappings"
	case ResultShardVersionMismatch:
		return "ShardVersionMismatch"
	case ResultMappingDoesNotExist:
		return "MappingDoesNotExist"
	case ResultMappingRangeAlreadyMapped:
		return "MappingRangeAlreadyMapped"
	case ResultMappingLockOwnerIdDoesNotMatch:
		return "MappingLockOwnerIdDoesNotMatch"
	case ResultMappingIsNotOffline:
		return "MappingIsNotOffline"
	case ResultMappingNotFoundForKey:
		return "MappingNotFoundForKey"
	case ResultSchemaInfoNameDoesNotExist:
		return "SchemaInfoNameDoesNotExist"
	case ResultSchemaInfoNameConflict:
		return "SchemaInfoNameConflict"
	case ResultStoreVersionMismatch:
		return "StoreVersionMismatch"
	case ResultMissingParametersForStoredProcedure:
		return "MissingParametersForStoredProcedure"
	case ResultShardMapManagerStoreAlreadyExists:
		return "ShardMapManagerStoreAlreadyExists"
	case ResultShardMapManagerStoreDoesNotExist:
		return "ShardMapManagerStoreDoesNotExist"
	default:
		return "UnexpectedStoreError"
	}
}
