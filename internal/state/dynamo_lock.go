package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/google/uuid"
)

// DynamoLocker holds keys as items of a DynamoDB table whose partition key
// is LockID. An item past its Expires time can be taken over.
type DynamoLocker struct {
	client *dynamodb.Client
	table  string
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

func NewDynamoLocker(ctx context.Context, table, region string, ttl time.Duration) (*DynamoLocker, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb locking requires LOCK_DYNAMODB_TABLE")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return newDynamoLocker(dynamodb.NewFromConfig(cfg), table, ttl), nil
}

func newDynamoLocker(client *dynamodb.Client, table string, ttl time.Duration) *DynamoLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &DynamoLocker{client: client, table: table, TTL: ttl, Wait: defaultLockWait, Poll: defaultLockPoll}
}

func (d *DynamoLocker) Acquire(ctx context.Context, key string) (func(), error) {
	owner := fmt.Sprintf("gisement-%d-%s", os.Getpid(), uuid.NewString())

	err := waitFor(ctx, d.Wait, d.Poll, func() (bool, error) { return d.tryLock(ctx, key, owner) })
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%w. If this is an error, "+
			"manually delete the lock item with LockID=%q from DynamoDB table %q", ErrLocked, key, d.table)
	}
	if err != nil {
		return nil, err
	}

	return func() { d.release(key, owner) }, nil
}

func (d *DynamoLocker) tryLock(ctx context.Context, key, owner string) (bool, error) {
	now := time.Now().UTC()
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: key},
			"Owner":   &dbtypes.AttributeValueMemberS{Value: owner},
			"Expires": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(d.TTL).Unix(), 10)},
			"Created": &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(LockID) OR #expires < :now"),
		ExpressionAttributeNames: map[string]string{"#expires": "Expires"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to acquire lock: %w", err)
}

// release deletes the item only while this owner still holds it. It runs on
// its own context so a cancelled batch still frees the key.
func (d *DynamoLocker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: key},
		},
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "Owner"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil && !isConditionFailed(err) {
		logging.Warn("failed to release lock", "lock_id", key, "table", d.table, "error", err)
	}
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf) || strings.Contains(err.Error(), "ConditionalCheckFailedException")
}
