package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"voice-consult/internal/core"
	"voice-consult/pkg"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// createdByIndex lets ListSessions query a user's sessions newest first.
const createdByIndex = "createdBy-createdOn"

// DynamoStore stores consultation sessions in a DynamoDB table keyed by
// sessionId.  JSON-shaped fields are kept as string attributes.
type DynamoStore struct {
	Client DynamoAPI
	Table  string
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{Client: client, Table: table}
}

// EnsureTable creates the table and its index.  An existing table is not an
// error.
func (s *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := s.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("sessionId"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("createdBy"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("createdOn"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("sessionId"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(createdByIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("createdBy"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("createdOn"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		log.Printf("dynamodb table %s already exists", s.Table)
		return nil
	}
	return err
}

func (s *DynamoStore) CreateSession(ctx context.Context, sess *pkg.Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	if sess.CreatedOn.IsZero() {
		sess.CreatedOn = time.Now().UTC()
	}
	if sess.Transcript == nil {
		sess.Transcript = []pkg.TranscriptMessage{}
	}
	item, err := sessionItem(sess)
	if err != nil {
		return err
	}
	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	return err
}

func (s *DynamoStore) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		Key:            map[string]types.AttributeValue{"sessionId": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, core.ErrNotFound
	}
	return itemSession(out.Item)
}

func (s *DynamoStore) UpdateSession(ctx context.Context, id string, u pkg.SessionUpdate) error {
	if u.Empty() {
		return nil
	}
	var sets []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	set := func(attr string, v types.AttributeValue) {
		sets = append(sets, fmt.Sprintf("#%s = :%s", attr, attr))
		names["#"+attr] = attr
		values[":"+attr] = v
	}
	if u.CallStartedAt != nil {
		set("callStartedAt", timeAttr(*u.CallStartedAt))
	}
	if u.CallEndedAt != nil {
		set("callEndedAt", timeAttr(*u.CallEndedAt))
	}
	if u.ConsultationDurationSeconds != nil {
		set("consultationDuration", &types.AttributeValueMemberN{Value: strconv.Itoa(*u.ConsultationDurationSeconds)})
	}
	if u.Transcript != nil {
		v, err := jsonAttr(u.Transcript)
		if err != nil {
			return err
		}
		set("conversation", v)
	}
	if u.Report != nil {
		v, err := jsonAttr(u.Report)
		if err != nil {
			return err
		}
		set("report", v)
	}
	_, err := s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.Table),
		Key:                       map[string]types.AttributeValue{"sessionId": &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(sessionId)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return core.ErrNotFound
	}
	return err
}

func (s *DynamoStore) ListSessions(ctx context.Context, createdBy string, limit int) ([]pkg.Session, error) {
	out, err := s.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.Table),
		IndexName:              aws.String(createdByIndex),
		KeyConditionExpression: aws.String("createdBy = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: createdBy},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	sessions := make([]pkg.Session, 0, len(out.Items))
	for _, item := range out.Items {
		sess, err := itemSession(item)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func sessionItem(s *pkg.Session) (map[string]types.AttributeValue, error) {
	doctor, err := jsonAttr(s.SelectedDoctor)
	if err != nil {
		return nil, err
	}
	conv, err := jsonAttr(s.Transcript)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"sessionId":            &types.AttributeValueMemberS{Value: s.SessionID},
		"createdBy":            &types.AttributeValueMemberS{Value: s.CreatedBy},
		"notes":                &types.AttributeValueMemberS{Value: s.Notes},
		"selectedDoctor":       doctor,
		"createdOn":            timeAttr(s.CreatedOn),
		"consultationDuration": &types.AttributeValueMemberN{Value: strconv.Itoa(s.ConsultationDurationSeconds)},
		"conversation":         conv,
	}
	if s.CallStartedAt != nil {
		item["callStartedAt"] = timeAttr(*s.CallStartedAt)
	}
	if s.CallEndedAt != nil {
		item["callEndedAt"] = timeAttr(*s.CallEndedAt)
	}
	if s.Report != nil {
		rep, err := jsonAttr(s.Report)
		if err != nil {
			return nil, err
		}
		item["report"] = rep
	}
	return item, nil
}

func itemSession(item map[string]types.AttributeValue) (*pkg.Session, error) {
	s := &pkg.Session{
		SessionID:  stringAttr(item, "sessionId"),
		CreatedBy:  stringAttr(item, "createdBy"),
		Notes:      stringAttr(item, "notes"),
		Transcript: []pkg.TranscriptMessage{},
	}
	var err error
	if s.CreatedOn, err = parseTime(stringAttr(item, "createdOn")); err != nil {
		return nil, fmt.Errorf("decode createdOn: %w", err)
	}
	if v := stringAttr(item, "callStartedAt"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("decode callStartedAt: %w", err)
		}
		s.CallStartedAt = &t
	}
	if v := stringAttr(item, "callEndedAt"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("decode callEndedAt: %w", err)
		}
		s.CallEndedAt = &t
	}
	if n, ok := item["consultationDuration"].(*types.AttributeValueMemberN); ok {
		if s.ConsultationDurationSeconds, err = strconv.Atoi(n.Value); err != nil {
			return nil, fmt.Errorf("decode consultationDuration: %w", err)
		}
	}
	if v := stringAttr(item, "selectedDoctor"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.SelectedDoctor); err != nil {
			return nil, fmt.Errorf("decode selectedDoctor: %w", err)
		}
	}
	if v := stringAttr(item, "conversation"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.Transcript); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
	}
	if v := stringAttr(item, "report"); v != "" {
		var rep pkg.Report
		if err := json.Unmarshal([]byte(v), &rep); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		s.Report = &rep
	}
	return s, nil
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func jsonAttr(v any) (types.AttributeValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: string(b)}, nil
}

// sortableTime keeps a fixed width so createdOn sorts chronologically as a
// string.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(sortableTime)}
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
