package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-assistant/internal/domain"
)

// Single-table layout:
//
//	CONV#<id>    META#        conversation row
//	CONV#<id>    MSG#<index>  message row, zero padded so SK order is index order
//	MSGREF#<id>  REF#         pointer from message id to its conversation row
//	CALLER#<id>  QUOTA#       caller identity and daily count
const (
	skMeta      = "META#"
	skPrefixMsg = "MSG#"
	skRef       = "REF#"
	skQuota     = "QUOTA#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps conversations, messages and callers in one DynamoDB table.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a store backed by tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(index int) string {
	return fmt.Sprintf("%s%08d", skPrefixMsg, index)
}

func refPK(messageID string) string {
	return "MSGREF#" + messageID
}

func callerPK(callerID string) string {
	return "CALLER#" + callerID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// CreateConversation writes a new conversation row. An existing id is a conflict.
func (s *DynamoStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", mapConditionErr(err, domain.ErrConflict))
	}
	return nil
}

// GetConversation reads the conversation row with a consistent read.
func (s *DynamoStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(convPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", id, domain.ErrNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// SaveExchange writes the message row, its lookup pointer and the conversation
// update in one transaction. The conversation update only applies while the
// stored count still equals rec.ExpectedCount.
func (s *DynamoStore) SaveExchange(ctx context.Context, rec domain.ExchangeRecord) error {
	msg := rec.Message
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: SaveExchange: message and conversation ids are required")
	}

	update := "SET messageCount = :next, updatedAt = :updated, sessionId = :session"
	values := map[string]types.AttributeValue{
		":expected": numAttr(rec.ExpectedCount),
		":next":     numAttr(rec.ExpectedCount + 1),
		":updated":  timeAttr(rec.UpdatedAt),
		":session":  &types.AttributeValueMemberS{Value: msg.SessionID},
	}
	if rec.Title != "" && rec.ExpectedCount == 0 {
		update += ", title = :title"
		values[":title"] = &types.AttributeValueMemberS{Value: rec.Title}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":             &types.AttributeValueMemberS{Value: refPK(msg.ID)},
						"SK":             &types.AttributeValueMemberS{Value: skRef},
						"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
						"messageSk":      &types.AttributeValueMemberS{Value: msgSK(msg.Index)},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:                           aws.String(s.tableName),
					Key:                                 key(convPK(msg.ConversationID), skMeta),
					UpdateExpression:                    aws.String(update),
					ConditionExpression:                 aws.String("attribute_exists(PK) AND messageCount = :expected"),
					ExpressionAttributeValues:           values,
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", mapTransactionErr(err))
	}
	return nil
}

// ListMessages returns every message of a conversation in index order.
func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var msgs []domain.Message
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

// SetFeedback overwrites the feedback attribute of a stored message.
func (s *DynamoStore) SetFeedback(ctx context.Context, messageID string, fb domain.Feedback) error {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       key(refPK(messageID), skRef),
	})
	if err != nil {
		return fmt.Errorf("repository: SetFeedback get ref: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return fmt.Errorf("repository: SetFeedback %q: %w", messageID, domain.ErrNotFound)
	}
	convID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return fmt.Errorf("repository: SetFeedback decode ref: %w", err)
	}
	sk, err := strAttr(out.Item, "messageSk")
	if err != nil {
		return fmt.Errorf("repository: SetFeedback decode ref: %w", err)
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(convPK(convID), sk),
		UpdateExpression:    aws.String("SET feedback = :fb"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fb": &types.AttributeValueMemberS{Value: string(fb)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetFeedback: %w", mapConditionErr(err, domain.ErrNotFound))
	}
	return nil
}

// GetCaller reads a caller's identity and quota record.
func (s *DynamoStore) GetCaller(ctx context.Context, id string) (domain.Caller, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(callerPK(id), skQuota),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Caller{}, fmt.Errorf("repository: GetCaller get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Caller{}, fmt.Errorf("repository: GetCaller %q: %w", id, domain.ErrNotFound)
	}
	c, err := itemToCaller(out.Item)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("repository: GetCaller decode: %w", err)
	}
	return c, nil
}

// PutCaller writes or replaces a caller record.
func (s *DynamoStore) PutCaller(ctx context.Context, c domain.Caller) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      callerItem(c),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCaller: %w", err)
	}
	return nil
}

// UpdateQuota sets the caller's daily count only if the stored count and date
// still match the values the caller read.
func (s *DynamoStore) UpdateQuota(ctx context.Context, id, prevDate string, prevCount int, newDate string, newCount int) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(callerPK(id), skQuota),
		UpdateExpression:    aws.String("SET dailyCount = :count, countDate = :date"),
		ConditionExpression: aws.String("attribute_exists(PK) AND dailyCount = :prevCount AND countDate = :prevDate"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":count":     numAttr(newCount),
			":date":      &types.AttributeValueMemberS{Value: newDate},
			":prevCount": numAttr(prevCount),
			":prevDate":  &types.AttributeValueMemberS{Value: prevDate},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateQuota: %w", mapConditionErr(err, domain.ErrConflict))
	}
	return nil
}

func mapConditionErr(err error, sentinel error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

// mapTransactionErr distinguishes a missing conversation from a lost race.
// The conversation update is the third item; with ALL_OLD an empty Item on
// its failure means the row does not exist.
func mapTransactionErr(err error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return err
	}
	if len(tce.CancellationReasons) == 3 {
		reason := tce.CancellationReasons[2]
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" && len(reason.Item) == 0 {
			return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrConflict, err)
}

func conversationItem(c domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"callerId":       &types.AttributeValueMemberS{Value: c.CallerID},
		"title":          &types.AttributeValueMemberS{Value: c.Title},
		"sessionId":      &types.AttributeValueMemberS{Value: c.SessionID},
		"messageCount":   numAttr(c.MessageCount),
		"createdAt":      timeAttr(c.CreatedAt),
		"updatedAt":      timeAttr(c.UpdatedAt),
	}
}

func messageItem(m domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(m.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(m.Index)},
		"messageId":      &types.AttributeValueMemberS{Value: m.ID},
		"conversationId": &types.AttributeValueMemberS{Value: m.ConversationID},
		"messageIndex":   numAttr(m.Index),
		"role":           &types.AttributeValueMemberS{Value: m.Role},
		"prompt":         &types.AttributeValueMemberS{Value: m.Prompt},
		"answer":         &types.AttributeValueMemberS{Value: m.Answer},
		"sessionId":      &types.AttributeValueMemberS{Value: m.SessionID},
		"feedback":       &types.AttributeValueMemberS{Value: string(m.Feedback.Normalize())},
		"createdAt":      timeAttr(m.CreatedAt),
	}
}

func callerItem(c domain.Caller) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: callerPK(c.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skQuota},
		"callerId":   &types.AttributeValueMemberS{Value: c.ID},
		"guest":      &types.AttributeValueMemberBOOL{Value: c.Guest},
		"dailyCount": numAttr(c.DailyCount),
		"countDate":  &types.AttributeValueMemberS{Value: c.CountDate},
		"createdAt":  timeAttr(c.CreatedAt),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	callerID, _ := strAttr(item, "callerId")
	title, _ := strAttr(item, "title")
	sessionID, _ := strAttr(item, "sessionId") // empty until the first exchange

	return domain.Conversation{
		ID:           id,
		CallerID:     callerID,
		Title:        title,
		SessionID:    sessionID,
		MessageCount: count,
		CreatedAt:    timeOf(item, "createdAt"),
		UpdatedAt:    timeOf(item, "updatedAt"),
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	idx, err := intAttr(item, "messageIndex")
	if err != nil {
		return domain.Message{}, err
	}
	prompt, err := strAttr(item, "prompt")
	if err != nil {
		return domain.Message{}, err
	}
	convID, _ := strAttr(item, "conversationId")
	role, _ := strAttr(item, "role")
	answer, _ := strAttr(item, "answer") // allow empty
	sessionID, _ := strAttr(item, "sessionId")
	feedback, _ := strAttr(item, "feedback")

	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Index:          idx,
		Role:           role,
		Prompt:         prompt,
		Answer:         answer,
		SessionID:      sessionID,
		Feedback:       domain.Feedback(feedback).Normalize(),
		CreatedAt:      timeOf(item, "createdAt"),
	}, nil
}

func itemToCaller(item map[string]types.AttributeValue) (domain.Caller, error) {
	id, err := strAttr(item, "callerId")
	if err != nil {
		return domain.Caller{}, err
	}
	count, err := intAttr(item, "dailyCount")
	if err != nil {
		return domain.Caller{}, err
	}
	date, _ := strAttr(item, "countDate")
	guest := false
	if b, ok := item["guest"].(*types.AttributeValueMemberBOOL); ok {
		guest = b.Value
	}
	return domain.Caller{
		ID:         id,
		Guest:      guest,
		DailyCount: count,
		CountDate:  date,
		CreatedAt:  timeOf(item, "createdAt"),
	}, nil
}

func numAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func timeAttr(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func timeOf(item map[string]types.AttributeValue, key string) time.Time {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
