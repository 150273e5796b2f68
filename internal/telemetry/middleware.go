package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware 返回为每个请求创建服务端 Span 的中间件。
// 会从请求头提取上游追踪上下文，Span 名称为 "方法 路径"。
//
//	r := chi.NewRouter()
//	r.Use(telemetry.HTTPMiddleware("logflowd"))
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(attribute.String("service.name", serviceName)),
			),
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// HTTPClientTransport 返回带追踪功能的 RoundTripper，
// 出站请求会携带追踪上下文头。base 为 nil 时使用 http.DefaultTransport。
func HTTPClientTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// InstrumentedHTTPClient 返回使用 HTTPClientTransport 的 HTTP 客户端
func InstrumentedHTTPClient() *http.Client {
	return &http.Client{Transport: HTTPClientTransport(nil)}
}
