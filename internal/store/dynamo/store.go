// Package dynamo provides a DynamoDB single-table Transcript Store.
//
// Item layout (PK / SK):
//
//	SESSION#<id> / META            session record, carries lastSeq
//	USER#<userId> / OPEN           open-session slot, one per user
//	SESSION#<id> / MSG#<seq>       message, seq zero-padded to 20 digits
//	SESSION#<id> / CORR#<key>      client correlation marker -> seq
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

const (
	skMeta       = "META"
	skOpen       = "OPEN"
	skPrefixMsg  = "MSG#"
	skPrefixCorr = "CORR#"

	maxAppendAttempts = 8
)

// dynamodbAPI is the subset of *dynamodb.Client used by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements store.Store on a DynamoDB table keyed by PK/SK strings.
type Store struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a Store. api is usually *dynamodb.Client.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func sessionPK(sessionID string) string { return "SESSION#" + sessionID }
func userPK(userID string) string       { return "USER#" + userID }
func msgSK(seq int64) string            { return fmt.Sprintf("%s%020d", skPrefixMsg, seq) }
func corrSK(key string) string          { return skPrefixCorr + key }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// CreateSession writes the session and claims the user's open slot in one
// transaction; the slot's attribute_not_exists condition is the uniqueness
// constraint.
func (s *Store) CreateSession(ctx context.Context, userID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, apperr.New(apperr.InvalidArgument, "user id is required")
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusOpen,
		CreatedAt: s.now(),
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                openSlotItem(session),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                sessionItem(session, 0),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.Session{}, apperr.Wrap(apperr.Conflict, "user already has an open session", err)
		}
		return chat.Session{}, unavailable("create session", err)
	}
	return session, nil
}

func (s *Store) FindOpenSession(ctx context.Context, userID string) (chat.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(userPK(userID), skOpen),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return chat.Session{}, unavailable("get open slot", err)
	}
	if out == nil || len(out.Item) == 0 {
		return chat.Session{}, apperr.New(apperr.NotFound, "no open session")
	}

	sessionID, err := strAttr(out.Item, "sessionId")
	if err != nil {
		return chat.Session{}, fmt.Errorf("dynamo: decode open slot: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	session, _, err := s.getMeta(ctx, sessionID)
	return session, err
}

// getMeta reads the session record together with its last allocated
// sequence number.
func (s *Store) getMeta(ctx context.Context, sessionID string) (chat.Session, int64, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(sessionPK(sessionID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return chat.Session{}, 0, unavailable("get session", err)
	}
	if out == nil || len(out.Item) == 0 {
		return chat.Session{}, 0, apperr.New(apperr.NotFound, "session not found")
	}

	session, err := itemToSession(out.Item)
	if err != nil {
		return chat.Session{}, 0, fmt.Errorf("dynamo: decode session: %w", err)
	}
	lastSeq, err := int64Attr(out.Item, "lastSeq")
	if err != nil {
		return chat.Session{}, 0, fmt.Errorf("dynamo: decode session: %w", err)
	}
	return session, lastSeq, nil
}

// ListSessions scans session records. Intended for operator dashboards over
// modest tables.
func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]chat.Session, error) {
	expr := []string{"SK = :meta"}
	values := map[string]types.AttributeValue{
		":meta": &types.AttributeValueMemberS{Value: skMeta},
	}
	var names map[string]string
	if filter.Status != "" {
		expr = append(expr, "#status = :status")
		values[":status"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
		names = map[string]string{"#status": "status"}
	}
	if filter.UserID != "" {
		expr = append(expr, "userId = :uid")
		values[":uid"] = &types.AttributeValueMemberS{Value: filter.UserID}
	}

	in := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String(strings.Join(expr, " AND ")),
		ExpressionAttributeValues: values,
		ExpressionAttributeNames:  names,
	}

	var sessions []chat.Session
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return nil, unavailable("scan sessions", err)
		}
		for _, item := range out.Items {
			session, err := itemToSession(item)
			if err != nil {
				return nil, fmt.Errorf("dynamo: decode session: %w", err)
			}
			sessions = append(sessions, session)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// CloseSession marks the session closed and releases the user's open slot
// in one transaction.
func (s *Store) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) (chat.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if !session.IsOpen() {
		return chat.Session{}, apperr.New(apperr.InvalidState, "session already closed")
	}

	ts := closedAt.UTC()
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(s.tableName),
					Key:                 key(sessionPK(sessionID), skMeta),
					UpdateExpression:    aws.String("SET #status = :closed, closedAt = :ts"),
					ConditionExpression: aws.String("#status = :open"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":closed": &types.AttributeValueMemberS{Value: string(chat.StatusClosed)},
						":open":   &types.AttributeValueMemberS{Value: string(chat.StatusOpen)},
						":ts":     &types.AttributeValueMemberS{Value: formatTime(ts)},
					},
				},
			},
			{
				Delete: &types.Delete{
					TableName:           aws.String(s.tableName),
					Key:                 key(userPK(session.UserID), skOpen),
					ConditionExpression: aws.String("sessionId = :sid"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":sid": &types.AttributeValueMemberS{Value: sessionID},
					},
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.Session{}, apperr.Wrap(apperr.InvalidState, "session already closed", err)
		}
		return chat.Session{}, unavailable("close session", err)
	}

	session.Status = chat.StatusClosed
	session.ClosedAt = &ts
	return session, nil
}

// AppendMessage writes the message and advances lastSeq in one transaction.
// The META update is conditioned on the session still being open and on
// lastSeq being unchanged since it was read, so a message can only commit
// under the next sequence number of an open session. A lost race re-reads
// META and tries again.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	if msg.CorrelationID != "" {
		existing, found, err := s.findByCorrelation(ctx, sessionID, msg.CorrelationID)
		if err != nil {
			return chat.Message{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}

	msg.SessionID = sessionID
	msg.ReadByAdmin = false

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		session, lastSeq, err := s.getMeta(ctx, sessionID)
		if err != nil {
			return chat.Message{}, false, err
		}
		if !session.IsOpen() {
			return chat.Message{}, false, apperr.New(apperr.InvalidState, "session is closed")
		}

		msg.ID = lastSeq + 1
		msg.Timestamp = s.now()

		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: s.appendItems(msg, lastSeq),
		})
		if err == nil {
			return msg, false, nil
		}
		if !conditionFailed(err) {
			return chat.Message{}, false, unavailable("append message", err)
		}

		if msg.CorrelationID != "" {
			existing, found, findErr := s.findByCorrelation(ctx, sessionID, msg.CorrelationID)
			if findErr != nil {
				return chat.Message{}, false, findErr
			}
			if found {
				return existing, true, nil
			}
		}
	}
	return chat.Message{}, false, apperr.New(apperr.Unavailable, "dynamo: append message: too much contention")
}

func (s *Store) appendItems(msg chat.Message, lastSeq int64) []types.TransactWriteItem {
	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:           aws.String(s.tableName),
				Key:                 key(sessionPK(msg.SessionID), skMeta),
				UpdateExpression:    aws.String("SET lastSeq = :next"),
				ConditionExpression: aws.String("#status = :open AND lastSeq = :cur"),
				ExpressionAttributeNames: map[string]string{
					"#status": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":open": &types.AttributeValueMemberS{Value: string(chat.StatusOpen)},
					":cur":  &types.AttributeValueMemberN{Value: strconv.FormatInt(lastSeq, 10)},
					":next": &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.ID, 10)},
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                messageItem(msg),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	}
	if msg.CorrelationID != "" {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                correlationItem(msg.SessionID, msg.CorrelationID, msg.ID),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})
	}
	return items
}

func (s *Store) findByCorrelation(ctx context.Context, sessionID, correlationID string) (chat.Message, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(sessionPK(sessionID), corrSK(correlationID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return chat.Message{}, false, unavailable("get correlation marker", err)
	}
	if out == nil || len(out.Item) == 0 {
		return chat.Message{}, false, nil
	}

	seq, err := int64Attr(out.Item, "seq")
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("dynamo: decode correlation marker: %w", err)
	}
	msg, err := s.GetMessage(ctx, sessionID, seq)
	if err != nil {
		return chat.Message{}, false, err
	}
	return msg, true, nil
}

func (s *Store) GetMessage(ctx context.Context, sessionID string, messageID int64) (chat.Message, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(sessionPK(sessionID), msgSK(messageID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return chat.Message{}, unavailable("get message", err)
	}
	if out == nil || len(out.Item) == 0 {
		return chat.Message{}, apperr.New(apperr.NotFound, "message not found")
	}

	msg, err := itemToMessage(out.Item)
	if err != nil {
		return chat.Message{}, fmt.Errorf("dynamo: decode message: %w", err)
	}
	return msg, nil
}

// MarkRead sets readByAdmin; repeating it leaves the item unchanged.
func (s *Store) MarkRead(ctx context.Context, sessionID string, messageID int64) (chat.Message, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(sessionPK(sessionID), msgSK(messageID)),
		UpdateExpression:    aws.String("SET readByAdmin = :true"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.Message{}, apperr.Wrap(apperr.NotFound, "message not found", err)
		}
		return chat.Message{}, unavailable("mark read", err)
	}

	msg, err := itemToMessage(out.Attributes)
	if err != nil {
		return chat.Message{}, fmt.Errorf("dynamo: decode message: %w", err)
	}
	return msg, nil
}

// GetTranscript queries MSG# items in ascending sort-key order, which is
// sequence order thanks to the zero padding.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	messages := make([]chat.Message, 0, 16)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, unavailable("query transcript", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("dynamo: decode message: %w", err)
			}
			messages = append(messages, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return messages, nil
}

func sessionItem(session chat.Session, lastSeq int64) map[string]types.AttributeValue {
	item := key(sessionPK(session.ID), skMeta)
	item["sessionId"] = &types.AttributeValueMemberS{Value: session.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: session.UserID}
	item["status"] = &types.AttributeValueMemberS{Value: string(session.Status)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(session.CreatedAt)}
	item["lastSeq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(lastSeq, 10)}
	if session.ClosedAt != nil {
		item["closedAt"] = &types.AttributeValueMemberS{Value: formatTime(*session.ClosedAt)}
	}
	return item
}

func openSlotItem(session chat.Session) map[string]types.AttributeValue {
	item := key(userPK(session.UserID), skOpen)
	item["sessionId"] = &types.AttributeValueMemberS{Value: session.ID}
	return item
}

func messageItem(msg chat.Message) map[string]types.AttributeValue {
	item := key(sessionPK(msg.SessionID), msgSK(msg.ID))
	item["sessionId"] = &types.AttributeValueMemberS{Value: msg.SessionID}
	item["seq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.ID, 10)}
	item["sender"] = &types.AttributeValueMemberS{Value: string(msg.Sender)}
	item["senderId"] = &types.AttributeValueMemberS{Value: msg.SenderID}
	item["text"] = &types.AttributeValueMemberS{Value: msg.Text}
	item["timestamp"] = &types.AttributeValueMemberS{Value: formatTime(msg.Timestamp)}
	item["readByAdmin"] = &types.AttributeValueMemberBOOL{Value: msg.ReadByAdmin}
	if msg.CorrelationID != "" {
		item["correlationId"] = &types.AttributeValueMemberS{Value: msg.CorrelationID}
	}
	return item
}

func correlationItem(sessionID, correlationID string, seq int64) map[string]types.AttributeValue {
	item := key(sessionPK(sessionID), corrSK(correlationID))
	item["seq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (chat.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return chat.Session{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return chat.Session{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return chat.Session{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return chat.Session{}, err
	}

	session := chat.Session{
		ID:        id,
		UserID:    userID,
		Status:    chat.Status(status),
		CreatedAt: createdAt,
	}
	if _, ok := item["closedAt"]; ok {
		closedAt, err := timeAttr(item, "closedAt")
		if err != nil {
			return chat.Session{}, err
		}
		session.ClosedAt = &closedAt
	}
	return session, nil
}

func itemToMessage(item map[string]types.AttributeValue) (chat.Message, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return chat.Message{}, err
	}
	seq, err := int64Attr(item, "seq")
	if err != nil {
		return chat.Message{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return chat.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return chat.Message{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return chat.Message{}, err
	}
	senderID, _ := strAttr(item, "senderId")           // system messages have none
	correlationID, _ := strAttr(item, "correlationId") // optional

	var read bool
	if v, ok := item["readByAdmin"].(*types.AttributeValueMemberBOOL); ok {
		read = v.Value
	}

	return chat.Message{
		ID:            seq,
		SessionID:     sessionID,
		Sender:        chat.Sender(sender),
		SenderID:      senderID,
		Text:          text,
		Timestamp:     ts,
		ReadByAdmin:   read,
		CorrelationID: correlationID,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", name)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", name)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", name)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", name)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", name, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	raw, err := strAttr(item, name)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse attribute %q: %w", name, err)
	}
	return ts.UTC(), nil
}

// conditionFailed reports a failed condition expression, standalone or
// inside a cancelled transaction.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.Unavailable, "dynamo: "+op, err)
}

var _ store.Store = (*Store)(nil)
