package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Messaging 语义属性键
const (
	AttrMessagingSystem        = "messaging.system"
	AttrMessagingDestination   = "messaging.destination"
	AttrMessagingOperation     = "messaging.operation"
	AttrMessagingConsumerGroup = "messaging.consumer.group"
)

const (
	MessagingOperationPublish = "publish"
	MessagingOperationConsume = "consume"
)

// MessagingMeta 描述一条消息的标准属性
type MessagingMeta struct {
	System        string // memory | nats | kafka | redis
	Destination   string
	Operation     string
	ConsumerGroup string
}

// SpanNamePublish 发布端 Span 名
func SpanNamePublish(destination string) string {
	if destination == "" {
		return "bus.publish"
	}
	return "bus.publish " + destination
}

// SpanNameConsume 消费端 Span 名
func SpanNameConsume(destination string) string {
	if destination == "" {
		return "bus.consume"
	}
	return "bus.consume " + destination
}

func messagingAttributes(meta MessagingMeta, attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+4)
	if meta.System != "" {
		out = append(out, attribute.String(AttrMessagingSystem, meta.System))
	}
	if meta.Destination != "" {
		out = append(out, attribute.String(AttrMessagingDestination, meta.Destination))
	}
	if meta.Operation != "" {
		out = append(out, attribute.String(AttrMessagingOperation, meta.Operation))
	}
	if meta.ConsumerGroup != "" {
		out = append(out, attribute.String(AttrMessagingConsumerGroup, meta.ConsumerGroup))
	}
	return append(out, attrs...)
}

func tracerOrDefault(tracer oteltrace.Tracer) oteltrace.Tracer {
	if tracer == nil {
		return otel.Tracer("hms-plane.bus")
	}
	return tracer
}

// StartProducerSpan 启动生产者 Span，并返回注入了链路信息的 headers
func StartProducerSpan(ctx context.Context, tracer oteltrace.Tracer, meta MessagingMeta) (context.Context, oteltrace.Span, map[string]string) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := tracerOrDefault(tracer).Start(ctx, SpanNamePublish(meta.Destination),
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
	span.SetAttributes(messagingAttributes(meta)...)

	headers := map[string]string{}
	Inject(spanCtx, headers)
	return spanCtx, span, headers
}

// StartConsumerSpanFromHeaders 启动消费者 Span，上游 Span 以 link 关联
func StartConsumerSpanFromHeaders(ctx context.Context, tracer oteltrace.Tracer, headers map[string]string, meta MessagingMeta) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(oteltrace.SpanKindConsumer)}
	if len(headers) > 0 {
		if remote := oteltrace.SpanContextFromContext(Extract(ctx, headers)); remote.IsValid() {
			opts = append(opts, oteltrace.WithLinks(oteltrace.Link{SpanContext: remote}))
		}
	}
	spanCtx, span := tracerOrDefault(tracer).Start(ctx, SpanNameConsume(meta.Destination), opts...)
	span.SetAttributes(messagingAttributes(meta)...)
	return spanCtx, span
}

// MarkSpanError err 不为 nil 时记录错误并标记 Span 状态
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
