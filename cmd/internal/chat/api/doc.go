// Package chatapi exposes the conversation REST endpoints: listing the caller's
// conversations, opening a direct conversation or creating a group, and paging through a
// conversation's history. Realtime delivery lives in the realtime package.
package chatapi
