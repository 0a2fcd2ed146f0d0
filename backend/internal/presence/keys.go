package presence

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→displayName（Hash）
// - cursorKey:        单个用户的光标（String，带 TTL）
// - docsKey():        有人在线过的文档（Set<docID>）
//
// {docID} 是 hash tag，同一文档的键落在同一个 slot，lua 脚本可以在集群下执行

const (
	keyRoomFmt   = "docsync:presence:room:{%s}"
	keyNamesFmt  = "docsync:presence:names:{%s}"
	keyCursorFmt = "docsync:presence:cursor:{%s}:%s"
	keyDocsSet   = "docsync:presence:docs"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                       { return keyDocsSet }
