// Package chat holds TaskHive's conversation/message model, the persistence adapters the
// realtime relay depends on (memory, PostgreSQL, MongoDB), and the conversation service used
// by the REST layer.
//
// The relay only needs three operations (MessageStore). Everything else lives behind
// ConversationStore so adapters can be swapped without touching the realtime package.
package chat
